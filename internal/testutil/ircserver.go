// Package testutil provides test helpers for line-oriented network peers.
package testutil

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// IRCServer is a single-connection fake chat relay for integration testing.
type IRCServer struct {
	t        *testing.T
	listener net.Listener

	mu     sync.Mutex
	conn   net.Conn
	lines  []string
	notify    chan struct{}
	closeOnce sync.Once
}

// NewIRCServer listens on a random loopback port and accepts connections in the background.
//
// Postcondition: Returns a listening server that is closed at test cleanup.
func NewIRCServer(t *testing.T) *IRCServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	s := &IRCServer{
		t:        t,
		listener: ln,
		notify:   make(chan struct{}, 1),
	}
	t.Cleanup(s.Close)
	go s.accept()
	return s
}

// Host returns the listening host.
func (s *IRCServer) Host() string {
	host, _, _ := net.SplitHostPort(s.listener.Addr().String())
	return host
}

// Port returns the listening port.
func (s *IRCServer) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *IRCServer) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.conn = conn
		s.mu.Unlock()
		go s.read(conn)
	}
}

func (s *IRCServer) read(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		s.mu.Lock()
		s.lines = append(s.lines, strings.TrimRight(scanner.Text(), "\r"))
		s.mu.Unlock()
		s.signal()
	}
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	s.signal()
}

func (s *IRCServer) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Lines returns every line received so far.
func (s *IRCServer) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

// WaitForLine blocks until a received line has the given prefix.
//
// Postcondition: Returns the matching line, or fails the test on timeout.
func (s *IRCServer) WaitForLine(prefix string, timeout time.Duration) string {
	s.t.Helper()
	deadline := time.After(timeout)
	for {
		for _, line := range s.Lines() {
			if strings.HasPrefix(line, prefix) {
				return line
			}
		}
		select {
		case <-s.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			s.t.Fatalf("waiting for line %q: got %q", prefix, s.Lines())
			return ""
		}
	}
}

// WaitConnected blocks until a client is connected.
func (s *IRCServer) WaitConnected(timeout time.Duration) {
	s.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Connected() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.t.Fatalf("no client connected within %s", timeout)
}

// Connected reports whether a client connection is open.
func (s *IRCServer) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Send writes a line to the connected client, appending \r\n.
//
// Precondition: A client must be connected.
func (s *IRCServer) Send(line string) {
	s.t.Helper()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.t.Fatalf("sending %q: no client connected", line)
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := fmt.Fprintf(conn, "%s\r\n", line); err != nil {
		s.t.Fatalf("sending %q: %v", line, err)
	}
}

// Hangup closes the current client connection from the server side.
func (s *IRCServer) Hangup() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Close stops the listener and drops the client connection.
func (s *IRCServer) Close() {
	s.closeOnce.Do(func() {
		_ = s.listener.Close()
		s.Hangup()
	})
}
