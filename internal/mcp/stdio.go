package mcp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioDialer starts MCP servers as subprocesses. Every Dial starts a
// fresh process, so a reconnect restarts the server.
type StdioDialer struct {
	config StdioConfig
	logger *slog.Logger
}

// NewStdioDialer creates a stdio dialer for the given config.
func NewStdioDialer(cfg StdioConfig) *StdioDialer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioDialer{config: cfg, logger: logger}
}

// Dial launches the subprocess. The subprocess lifecycle is
// independent of ctx: it survives individual request timeouts and is
// only terminated by Close or by exiting on its own.
func (d *StdioDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.logger.Info("starting MCP subprocess",
		"command", d.config.Command,
		"args", d.config.Args,
	)

	cmd := exec.Command(d.config.Command, d.config.Args...)
	cmd.Env = append(os.Environ(), d.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	// Capture stderr for logging; it is not part of the protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return nil, fmt.Errorf("start subprocess %s: %w", d.config.Command, err)
	}

	c := &stdioConn{
		cmd:    cmd,
		stdin:  stdin,
		reader: bufio.NewReaderSize(stdout, 1<<20), // 1 MiB buffer for large responses
		logger: d.logger.With("pid", cmd.Process.Pid),
		exited: make(chan struct{}),
	}

	c.wg.Add(2)
	go c.drainStderr(stderrPipe)
	go c.wait()

	c.logger.Info("MCP subprocess started")
	return c, nil
}

type stdioConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	exited    chan struct{}
	waitErr   error
	wg        sync.WaitGroup
}

// Read returns the next JSON line from stdout. Lines that are not JSON
// (some servers print banners) are skipped.
func (c *stdioConn) Read() ([]byte, error) {
	for {
		line, err := c.reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 && (line[0] == '{' || line[0] == '[') {
			return line, nil
		}
		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("MCP subprocess exited: %w", err)
			}
			return nil, fmt.Errorf("read from subprocess stdout: %w", err)
		}
		if len(line) > 0 {
			c.logger.Debug("skipping non-JSON line from MCP subprocess", "line", string(line))
		}
	}
}

// Write sends a message followed by the newline delimiter.
func (c *stdioConn) Write(_ context.Context, frame []byte, _ string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(append(frame, '\n')); err != nil {
		return fmt.Errorf("write to subprocess stdin: %w", err)
	}
	return nil
}

// SessionID is always empty: stdio servers have no sessions.
func (c *stdioConn) SessionID() string { return "" }

// Close terminates the subprocess: stdin is closed to ask it to exit,
// and it is killed if it has not exited within five seconds.
func (c *stdioConn) Close() error {
	c.closeOnce.Do(func() {
		c.logger.Info("stopping MCP subprocess")
		c.writeMu.Lock()
		c.stdin.Close()
		c.writeMu.Unlock()

		select {
		case <-c.exited:
		case <-time.After(5 * time.Second):
			c.logger.Warn("MCP subprocess did not exit gracefully, killing")
			_ = c.cmd.Process.Kill()
			<-c.exited
		}
		c.wg.Wait()
	})
	return nil
}

// wait reaps the subprocess.
func (c *stdioConn) wait() {
	defer c.wg.Done()
	c.waitErr = c.cmd.Wait()
	if c.waitErr != nil {
		c.logger.Debug("MCP subprocess exited", "error", c.waitErr)
	}
	close(c.exited)
}

// drainStderr reads stderr lines and logs them at debug level.
func (c *stdioConn) drainStderr(r io.Reader) {
	defer c.wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		c.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}
