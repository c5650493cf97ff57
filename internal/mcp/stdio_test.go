package mcp

import (
	"context"
	"os/exec"
	"testing"
	"time"
)

func requireCommand(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
}

func TestStdioDialer_RoundTrip(t *testing.T) {
	requireCommand(t, "cat")

	d := NewStdioDialer(StdioConfig{Command: "cat", Logger: discardLogger()})
	conn, err := d.Dial(context.Background(), "")
	if err != nil {
		t.Fatalf("Dial() = %v", err)
	}
	defer conn.Close()

	frame := `{"jsonrpc":"2.0","id":1,"method":"ping"}`
	if err := conn.Write(context.Background(), []byte(frame), ""); err != nil {
		t.Fatalf("Write() = %v", err)
	}
	if got := readWithin(t, conn, 2*time.Second); string(got) != frame {
		t.Errorf("Read() = %s, want %s", got, frame)
	}
	if got := conn.SessionID(); got != "" {
		t.Errorf("SessionID() = %q, want empty", got)
	}
}

func TestStdioDialer_SkipsNonJSONLines(t *testing.T) {
	requireCommand(t, "sh")

	d := NewStdioDialer(StdioConfig{
		Command: "sh",
		Args:    []string{"-c", `echo "server starting"; echo; echo '{"jsonrpc":"2.0","method":"notifications/ready"}'; echo oops >&2; cat`},
		Logger:  discardLogger(),
	})
	conn, err := d.Dial(context.Background(), "")
	if err != nil {
		t.Fatalf("Dial() = %v", err)
	}
	defer conn.Close()

	want := `{"jsonrpc":"2.0","method":"notifications/ready"}`
	if got := readWithin(t, conn, 2*time.Second); string(got) != want {
		t.Errorf("Read() = %s, want %s", got, want)
	}
}

func TestStdioDialer_PassesEnv(t *testing.T) {
	requireCommand(t, "sh")

	d := NewStdioDialer(StdioConfig{
		Command: "sh",
		Args:    []string{"-c", `printf '{"jsonrpc":"2.0","method":"%s"}\n' "$MCP_TEST_METHOD"; cat`},
		Env:     []string{"MCP_TEST_METHOD=notifications/env"},
		Logger:  discardLogger(),
	})
	conn, err := d.Dial(context.Background(), "")
	if err != nil {
		t.Fatalf("Dial() = %v", err)
	}
	defer conn.Close()

	want := `{"jsonrpc":"2.0","method":"notifications/env"}`
	if got := readWithin(t, conn, 2*time.Second); string(got) != want {
		t.Errorf("Read() = %s, want %s", got, want)
	}
}

func TestStdioDialer_ExitFailsRead(t *testing.T) {
	requireCommand(t, "true")

	d := NewStdioDialer(StdioConfig{Command: "true", Logger: discardLogger()})
	conn, err := d.Dial(context.Background(), "")
	if err != nil {
		t.Fatalf("Dial() = %v", err)
	}
	defer conn.Close()

	if _, err := conn.Read(); err == nil {
		t.Error("Read() after process exit succeeded, want error")
	}
}

func TestStdioDialer_CloseStopsProcess(t *testing.T) {
	requireCommand(t, "cat")

	d := NewStdioDialer(StdioConfig{Command: "cat", Logger: discardLogger()})
	conn, err := d.Dial(context.Background(), "")
	if err != nil {
		t.Fatalf("Dial() = %v", err)
	}

	done := make(chan struct{})
	go func() {
		conn.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Close() did not return")
	}

	if err := conn.Write(context.Background(), []byte(`{}`), ""); err == nil {
		t.Error("Write() after Close succeeded, want error")
	}
	// Second Close is a no-op.
	if err := conn.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

func TestStdioDialer_MissingCommand(t *testing.T) {
	d := NewStdioDialer(StdioConfig{Command: "/nonexistent/mcp-server", Logger: discardLogger()})
	if _, err := d.Dial(context.Background(), ""); err == nil {
		t.Error("Dial() succeeded for missing command, want error")
	}
}
