package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsEchoServer answers every request with a result naming its method.
type wsEchoServer struct {
	mu       sync.Mutex
	sessions []string
	headers  []http.Header
}

func (s *wsEchoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.sessions = append(s.sessions, r.Header.Get(sessionHeader))
	s.headers = append(s.headers, r.Header.Clone())
	s.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer ok" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{Subprotocols: []string{"mcp"}}
	conn, err := upgrader.Upgrade(w, r, http.Header{sessionHeader: []string{"ws-session"}})
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := ParseMessage(data)
		if err != nil || msg.Kind() != KindRequest {
			continue
		}
		resp, _ := NewResponse(*msg.ID, map[string]string{"method": msg.Method})
		out, _ := json.Marshal(resp)
		if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
			return
		}
	}
}

func newWSDialer(t *testing.T, url, token string) *WebSocketDialer {
	t.Helper()
	d, err := NewWebSocketDialer(WebSocketConfig{
		URL:     url,
		Headers: map[string]string{"Authorization": "Bearer " + token},
		Logger:  discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewWebSocketDialer() = %v", err)
	}
	return d
}

func TestWebSocketDialer_RoundTrip(t *testing.T) {
	s := &wsEchoServer{}
	srv := httptest.NewServer(s)
	defer srv.Close()

	// http:// is converted to ws://.
	d := newWSDialer(t, srv.URL, "ok")
	conn, err := d.Dial(context.Background(), "")
	if err != nil {
		t.Fatalf("Dial() = %v", err)
	}
	defer conn.Close()

	if got := conn.SessionID(); got != "ws-session" {
		t.Errorf("SessionID() = %q, want ws-session", got)
	}

	msg, _ := NewRequest(NumberID(5), "tools/list", nil)
	frame, _ := json.Marshal(msg)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, frame, ""); err != nil {
		t.Fatalf("Write() = %v", err)
	}

	got := readWithin(t, conn, 2*time.Second)
	if want := `{"jsonrpc":"2.0","id":5,"result":{"method":"tools/list"}}`; string(got) != want {
		t.Errorf("Read() = %s, want %s", got, want)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ua := s.headers[0].Get("User-Agent"); !strings.HasPrefix(ua, "mcphost/") {
		t.Errorf("User-Agent = %q", ua)
	}
}

func TestWebSocketDialer_OffersSession(t *testing.T) {
	s := &wsEchoServer{}
	srv := httptest.NewServer(s)
	defer srv.Close()

	d := newWSDialer(t, "ws"+strings.TrimPrefix(srv.URL, "http"), "ok")
	conn, err := d.Dial(context.Background(), "previous")
	if err != nil {
		t.Fatalf("Dial() = %v", err)
	}
	conn.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[0] != "previous" {
		t.Errorf("handshake session = %q, want previous", s.sessions[0])
	}
}

func TestWebSocketDialer_HandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(&wsEchoServer{})
	defer srv.Close()

	d := newWSDialer(t, srv.URL, "wrong")
	_, err := d.Dial(context.Background(), "")

	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Dial() = %v, want *HTTPStatusError", err)
	}
	if statusErr.Code != http.StatusUnauthorized {
		t.Errorf("Code = %d, want 401", statusErr.Code)
	}
}

func TestWebSocketDialer_PeerCloseFailsRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"notifications/bye"}`))
		conn.Close()
	}))
	defer srv.Close()

	d := newWSDialer(t, srv.URL, "ok")
	conn, err := d.Dial(context.Background(), "")
	if err != nil {
		t.Fatalf("Dial() = %v", err)
	}
	defer conn.Close()

	if got := readWithin(t, conn, 2*time.Second); !strings.Contains(string(got), "notifications/bye") {
		t.Errorf("Read() = %s", got)
	}
	if _, err := conn.Read(); err == nil {
		t.Error("Read() after peer close succeeded, want error")
	}
}

func TestNewWebSocketDialer_RejectsScheme(t *testing.T) {
	if _, err := NewWebSocketDialer(WebSocketConfig{URL: "ftp://example.com"}); err == nil {
		t.Error("NewWebSocketDialer(ftp) succeeded, want error")
	}
}

// The whole stack over a real WebSocket: channel, router and client.
func TestClient_OverWebSocket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{Subprotocols: []string{"mcp"}}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := ParseMessage(data)
			if err != nil || msg.Kind() != KindRequest {
				continue
			}
			var result any
			switch msg.Method {
			case "initialize":
				result = map[string]any{"protocolVersion": protocolVersion, "serverInfo": map[string]any{"name": "ws", "version": "1"}}
			case "tools/call":
				result = map[string]any{"content": []map[string]any{{"type": "text", "text": "42"}}}
			}
			resp, _ := NewResponse(*msg.ID, result)
			out, _ := json.Marshal(resp)
			conn.WriteMessage(websocket.TextMessage, out)
		}
	}))
	defer srv.Close()

	d := newWSDialer(t, srv.URL, "ok")
	ch := NewChannel(ChannelConfig{Name: "ws", Dialer: d, Backoff: 50 * time.Millisecond, Logger: discardLogger()})
	c := NewClient("ws", ch, discardLogger())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	defer c.Close()

	got, err := c.CallTool(context.Background(), "answer", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("CallTool() = %v", err)
	}
	if got != "42" {
		t.Errorf("CallTool() = %q, want 42", got)
	}
}
