package pop3_test

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/infodancer/auth/passwd"
	_ "github.com/infodancer/msgstore/maildir"
	"github.com/infodancer/msgstore/internal/config"
	"github.com/infodancer/msgstore/internal/logging"
	"github.com/infodancer/msgstore/internal/metrics"
	"github.com/infodancer/msgstore/internal/pop3"
)

// newSingleConnStack creates a minimal Stack (no listeners) for use with
// RunSingleConn tests.
func newSingleConnStack(t *testing.T) *pop3.Stack {
	t.Helper()

	cfg := config.Default()
	cfg.Hostname = "single.local"
	// No auth, no maildir — sufficient for greeting+QUIT tests.

	logger := logging.NewLogger("error")
	stack, err := pop3.NewStack(pop3.StackConfig{
		Config:    cfg,
		Collector: &metrics.NoopCollector{},
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("NewStack: %v", err)
	}
	t.Cleanup(func() { _ = stack.Close() })
	return stack
}

// pop3Pipe is a thin POP3 client stub that drives the server over net.Pipe.
type pop3Pipe struct {
	conn net.Conn
	r    *bufio.Reader
}

func (c *pop3Pipe) readLine() string {
	line, _ := c.r.ReadString('\n')
	return strings.TrimRight(line, "\r\n")
}

func (c *pop3Pipe) send(cmd string) {
	_, _ = fmt.Fprintf(c.conn, "%s\r\n", cmd)
}

func (c *pop3Pipe) readGreeting() string {
	return c.readLine()
}

// TestRunSingleConn_SessionEndsAfterQuit verifies that RunSingleConn returns
// after the client sends QUIT — the server does not hang indefinitely.
func TestRunSingleConn_SessionEndsAfterQuit(t *testing.T) {
	t.Parallel()

	stack := newSingleConnStack(t)

	serverConn, clientConn := net.Pipe()

	done := make(chan struct{})
	go func() {
		stack.RunSingleConn(serverConn, config.ModePop3, nil) //nolint:errcheck
		close(done)
	}()

	c := &pop3Pipe{conn: clientConn, r: bufio.NewReader(clientConn)}

	// Read greeting.
	greeting := c.readGreeting()
	if !strings.HasPrefix(greeting, "+OK") {
		t.Fatalf("expected +OK greeting, got: %q", greeting)
	}

	// Send QUIT.
	c.send("QUIT")
	resp := c.readLine()
	if !strings.HasPrefix(resp, "+OK") {
		t.Fatalf("expected +OK after QUIT, got: %q", resp)
	}
	_ = clientConn.Close()

	select {
	case <-done:
		// good: RunSingleConn returned after QUIT
	case <-time.After(5 * time.Second):
		t.Fatal("RunSingleConn did not return within 5s after QUIT")
	}
}

// TestRunSingleConn_NoSecondConn verifies that after the first connection is
// served, RunSingleConn returns rather than waiting for another connection.
func TestRunSingleConn_NoSecondConn(t *testing.T) {
	t.Parallel()

	stack := newSingleConnStack(t)

	serverConn, clientConn := net.Pipe()

	done := make(chan struct{})
	go func() {
		stack.RunSingleConn(serverConn, config.ModePop3, nil) //nolint:errcheck
		close(done)
	}()

	// Abruptly close the client side; RunSingleConn should notice and return.
	_ = clientConn.Close()

	select {
	case <-done:
		// good
	case <-time.After(5 * time.Second):
		t.Fatal("RunSingleConn did not return within 5s after client disconnect")
	}
}

// TestRunSingleConn_ConcurrentSessions verifies that multiple independent
// RunSingleConn calls can run concurrently on the same Stack.
func TestRunSingleConn_ConcurrentSessions(t *testing.T) {
	t.Parallel()

	stack := newSingleConnStack(t)

	const n = 3
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serverConn, clientConn := net.Pipe()

			done := make(chan struct{})
			go func() {
				stack.RunSingleConn(serverConn, config.ModePop3, nil) //nolint:errcheck
				close(done)
			}()

			c := &pop3Pipe{conn: clientConn, r: bufio.NewReader(clientConn)}
			c.readGreeting()
			c.send("QUIT")
			c.readLine()
			_ = clientConn.Close()

			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Errorf("RunSingleConn did not return within 5s")
			}
		}()
	}
	wg.Wait()
}
