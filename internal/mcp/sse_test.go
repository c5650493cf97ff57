package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// sseServer is a minimal MCP SSE server. Messages POSTed to /messages
// are answered on the event stream.
type sseServer struct {
	endpoint string // sent as the endpoint event when set
	jsonPost bool   // answer POSTs in the response body instead

	out chan string

	mu            sync.Mutex
	postSessions  []string
	postQueries   []string
	streamSession string
}

func newSSEServer(t *testing.T, s *sseServer) *httptest.Server {
	t.Helper()
	s.out = make(chan string, 16)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", s.stream)
	mux.HandleFunc("POST /sse", s.post)
	mux.HandleFunc("POST /messages", s.post)
	return httptest.NewServer(mux)
}

func (s *sseServer) stream(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.streamSession = r.Header.Get(sessionHeader)
	s.mu.Unlock()

	flusher := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set(sessionHeader, "hdr-session")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": keepalive\n\n")
	if s.endpoint != "" {
		fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", s.endpoint)
	}
	flusher.Flush()

	for {
		select {
		case msg := <-s.out:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *sseServer) post(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.postSessions = append(s.postSessions, r.Header.Get(sessionHeader))
	s.postQueries = append(s.postQueries, r.URL.RawQuery)
	s.mu.Unlock()

	msg, err := ParseMessage(body)
	if err != nil {
		http.Error(w, "bad message", http.StatusBadRequest)
		return
	}
	if msg.Method == "reject" {
		http.Error(w, "session expired", http.StatusNotFound)
		return
	}

	reply := fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{"method":%q}}`, msg.ID.String(), msg.Method)
	if s.jsonPost {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, reply)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	s.out <- reply
}

func dialSSE(t *testing.T, url string, wait time.Duration) Conn {
	t.Helper()
	d, err := NewSSEDialer(SSEConfig{
		URL:          url,
		Headers:      map[string]string{"Authorization": "Bearer test"},
		EndpointWait: wait,
		Logger:       discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewSSEDialer() = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx, "")
	if err != nil {
		t.Fatalf("Dial() = %v", err)
	}
	return conn
}

func readWithin(t *testing.T, conn Conn, d time.Duration) []byte {
	t.Helper()
	type result struct {
		frame []byte
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := conn.Read()
		ch <- result{f, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("Read() = %v", r.err)
		}
		return r.frame
	case <-time.After(d):
		t.Fatal("Read() timed out")
		return nil
	}
}

func TestSSEDialer_EndpointEvent(t *testing.T) {
	s := &sseServer{endpoint: "/messages?sessionId=s-42"}
	srv := newSSEServer(t, s)
	defer srv.Close()

	conn := dialSSE(t, srv.URL+"/sse", time.Second)
	defer conn.Close()

	if got := conn.SessionID(); got != "s-42" {
		t.Errorf("SessionID() = %q, want s-42 from endpoint", got)
	}

	msg, _ := NewRequest(NumberID(1), "tools/list", nil)
	frame, _ := json.Marshal(msg)
	if err := conn.Write(context.Background(), frame, conn.SessionID()); err != nil {
		t.Fatalf("Write() = %v", err)
	}

	got := readWithin(t, conn, 2*time.Second)
	if want := `{"jsonrpc":"2.0","id":1,"result":{"method":"tools/list"}}`; string(got) != want {
		t.Errorf("Read() = %s, want %s", got, want)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if diff := cmp.Diff([]string{"s-42"}, s.postSessions); diff != "" {
		t.Errorf("POST session headers mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"sessionId=s-42"}, s.postQueries); diff != "" {
		t.Errorf("POST queries mismatch (-want +got):\n%s", diff)
	}
}

func TestSSEDialer_JSONPostResponse(t *testing.T) {
	s := &sseServer{jsonPost: true}
	srv := newSSEServer(t, s)
	defer srv.Close()

	// No endpoint event: messages are posted to the stream URL.
	conn := dialSSE(t, srv.URL+"/sse", 50*time.Millisecond)
	defer conn.Close()

	if got := conn.SessionID(); got != "hdr-session" {
		t.Errorf("SessionID() = %q, want hdr-session from header", got)
	}

	msg, _ := NewRequest(StringID("a"), "ping", nil)
	frame, _ := json.Marshal(msg)
	if err := conn.Write(context.Background(), frame, ""); err != nil {
		t.Fatalf("Write() = %v", err)
	}
	got := readWithin(t, conn, 2*time.Second)
	if want := `{"jsonrpc":"2.0","id":"a","result":{"method":"ping"}}`; string(got) != want {
		t.Errorf("Read() = %s, want %s", got, want)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if diff := cmp.Diff([]string{"hdr-session"}, s.postSessions); diff != "" {
		t.Errorf("POST session headers mismatch (-want +got):\n%s", diff)
	}
}

func TestSSEDialer_ResumesSession(t *testing.T) {
	s := &sseServer{jsonPost: true}
	srv := newSSEServer(t, s)
	defer srv.Close()

	d, err := NewSSEDialer(SSEConfig{URL: srv.URL + "/sse", EndpointWait: 10 * time.Millisecond, Logger: discardLogger()})
	if err != nil {
		t.Fatal(err)
	}
	conn, err := d.Dial(context.Background(), "resume-me")
	if err != nil {
		t.Fatalf("Dial() = %v", err)
	}
	defer conn.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamSession != "resume-me" {
		t.Errorf("stream request session = %q, want resume-me", s.streamSession)
	}
}

func TestSSEDialer_HandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d, err := NewSSEDialer(SSEConfig{URL: srv.URL, Logger: discardLogger()})
	if err != nil {
		t.Fatal(err)
	}
	_, err = d.Dial(context.Background(), "")

	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Dial() = %v, want *HTTPStatusError", err)
	}
	if statusErr.Code != http.StatusServiceUnavailable {
		t.Errorf("Code = %d, want 503", statusErr.Code)
	}
	if !strings.Contains(statusErr.Body, "maintenance") {
		t.Errorf("Body = %q", statusErr.Body)
	}
	if !errors.Is(err, ErrHTTPStatus) {
		t.Error("errors.Is(err, ErrHTTPStatus) = false")
	}
}

func TestSSEDialer_PostRejected(t *testing.T) {
	s := &sseServer{endpoint: "/messages"}
	srv := newSSEServer(t, s)
	defer srv.Close()

	conn := dialSSE(t, srv.URL+"/sse", time.Second)
	defer conn.Close()

	msg, _ := NewRequest(NumberID(1), "reject", nil)
	frame, _ := json.Marshal(msg)
	err := conn.Write(context.Background(), frame, "")

	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusNotFound {
		t.Errorf("Write() = %v, want HTTP 404", err)
	}
}

func TestSSEDialer_StreamEndFailsRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: endpoint\ndata: /messages\n\n")
		fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/bye\"}\n\n")
	}))
	defer srv.Close()

	conn := dialSSE(t, srv.URL, time.Second)
	defer conn.Close()

	got := readWithin(t, conn, 2*time.Second)
	if !strings.Contains(string(got), "notifications/bye") {
		t.Errorf("Read() = %s", got)
	}
	if _, err := conn.Read(); err == nil {
		t.Error("Read() after stream end succeeded, want error")
	}
}

func TestNewSSEDialer_RejectsScheme(t *testing.T) {
	if _, err := NewSSEDialer(SSEConfig{URL: "ftp://example.com/sse"}); err == nil {
		t.Error("NewSSEDialer(ftp) succeeded, want error")
	}
}

func TestReadEvents(t *testing.T) {
	input := strings.Join([]string{
		": comment",
		"event: endpoint",
		"data: /messages?sessionId=1",
		"",
		"data: line one",
		"data: line two",
		"id: 7",
		"",
		"event: message\r",
		"data:{\"a\":1}\r",
		"\r",
		"event: empty",
		"",
		"data: unterminated",
	}, "\n")

	var got []sseEvent
	if err := readEvents(strings.NewReader(input), func(ev sseEvent) { got = append(got, ev) }); err != nil {
		t.Fatalf("readEvents() = %v", err)
	}

	want := []sseEvent{
		{name: "endpoint", data: "/messages?sessionId=1"},
		{data: "line one\nline two", id: "7"},
		{name: "message", data: `{"a":1}`},
	}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(sseEvent{})); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}
