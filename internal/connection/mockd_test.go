package connection

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/keyflow/keylink/internal/wire"
)

// mockDaemon is an in-process TCP server speaking the daemon's
// newline-delimited JSON protocol.
type mockDaemon struct {
	t  *testing.T
	ln net.Listener

	mu      sync.Mutex
	accepts int

	handler func(conn net.Conn, r *bufio.Reader)
	wg      sync.WaitGroup
}

// newMockDaemon starts a listener and runs handler for every accepted
// connection.
func newMockDaemon(t *testing.T, handler func(conn net.Conn, r *bufio.Reader)) *mockDaemon {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	d := &mockDaemon{t: t, ln: ln, handler: handler}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			d.mu.Lock()
			d.accepts++
			d.mu.Unlock()

			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				defer conn.Close()
				d.handler(conn, bufio.NewReader(conn))
			}()
		}
	}()

	return d
}

func (d *mockDaemon) Addr() string {
	return d.ln.Addr().String()
}

// Accepts returns how many connections the daemon has accepted.
func (d *mockDaemon) Accepts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.accepts
}

func (d *mockDaemon) Close() {
	d.ln.Close()
	d.wg.Wait()
}

// completeHandshake reads the client hello and acknowledges it with the
// given capability set.
func completeHandshake(conn net.Conn, r *bufio.Reader, capabilities []string) error {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return err
	}
	id, ok := wire.ExtractRequestID(line)
	if !ok {
		return fmt.Errorf("hello without request_id: %s", line)
	}

	caps, _ := json.Marshal(capabilities)
	ack := fmt.Sprintf(
		`{"HelloAck":{"version":"1.9.0","protocol":2,"capabilities":%s,"request_id":%d}}`+"\n",
		caps, id,
	)
	_, err = conn.Write([]byte(ack))
	return err
}

// recordSink records classified events in arrival order.
type recordSink struct {
	mu     sync.Mutex
	events []wire.Event
}

func (s *recordSink) Enqueue(ev wire.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return true
}

func (s *recordSink) snapshot() []wire.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Event, len(s.events))
	copy(out, s.events)
	return out
}
