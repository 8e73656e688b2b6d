package bus

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/openkore/busbridge/pkg/ssm"
	"github.com/rs/zerolog"
)

func newTestListener() (*Listener, *Registry) {
	reg := NewRegistry()
	router := &Router{
		Registry: reg,
		Sink:     NopSink{},
		Audit:    NopAuditLogger{},
		Metrics:  NewMetrics(),
		Logger:   zerolog.Nop(),
	}
	return &Listener{
		Registry: reg,
		Router:   router,
		Metrics:  router.Metrics,
		Logger:   zerolog.Nop(),
	}, reg
}

// dialAndIdentify connects to addr, reads the server's initial HELLO{yourID},
// sends its own HELLO, and returns the raw connection along with a parser
// fed from it.
func dialAndIdentify(t *testing.T, addr, userAgent string) (net.Conn, *ssm.Parser) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	p := &ssm.Parser{}
	hello := recvFrame(t, conn, p)
	if hello.ID != MsgHello {
		t.Fatalf("expected server HELLO, got %q", hello.ID)
	}
	if _, ok := hello.Args.GetString("yourID"); !ok {
		t.Fatalf("expected server HELLO to carry yourID, got %+v", hello.Args)
	}

	buf, err := ssm.Serialize(MsgHello, ssm.NewArgs("userAgent", userAgent))
	if err != nil {
		t.Fatalf("serialize HELLO: %v", err)
	}
	if _, err := conn.Write(buf); err != nil {
		t.Fatalf("write HELLO: %v", err)
	}
	return conn, p
}

func recvFrame(t *testing.T, conn net.Conn, p *ssm.Parser) ssm.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	for {
		if msg, ok, err := p.Next(); err != nil {
			t.Fatalf("parse: %v", err)
		} else if ok {
			return msg
		}
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		p.Feed(buf[:n])
	}
}

func TestListenerAcceptAndDisconnectSendsLeave(t *testing.T) {
	l, reg := newTestListener()
	ctx, cancel := context.WithCancel(context.Background())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, addr) }()
	// Run binds addr in its own goroutine; give it a moment to bind.
	time.Sleep(50 * time.Millisecond)

	connA, parserA := dialAndIdentify(t, addr, "botA")
	defer connA.Close()
	// consume nothing yet; botA is alone so far

	connB, _ := dialAndIdentify(t, addr, "botB")
	joinMsg := recvFrame(t, connA, parserA)
	if joinMsg.ID != MsgJoin {
		t.Fatalf("expected JOIN, got %q", joinMsg.ID)
	}

	if got := reg.Count(); got != 2 {
		t.Fatalf("expected 2 registered connections, got %d", got)
	}

	connB.Close()

	leaveMsg := recvFrame(t, connA, parserA)
	if leaveMsg.ID != MsgLeave {
		t.Fatalf("expected LEAVE after disconnect, got %q", leaveMsg.ID)
	}

	deadline := time.Now().Add(2 * time.Second)
	for reg.Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected registry to drop to 1 connection, got %d", reg.Count())
		}
		time.Sleep(10 * time.Millisecond)
	}

	connA.Close()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestListenerDisconnectWithoutIdentifySendsNoLeave(t *testing.T) {
	l, reg := newTestListener()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	go l.Run(ctx, addr)
	time.Sleep(50 * time.Millisecond)

	connA, parserA := dialAndIdentify(t, addr, "botA")
	defer connA.Close()

	// A second client connects but never sends HELLO, then disconnects.
	connB, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	connB.Close()

	// No LEAVE should arrive for the unidentified connection; the next
	// thing on the wire, if anything, would be unrelated. We assert by
	// timing out on a read instead.
	connA.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 64)
	_, err = connA.Read(buf)
	if err == nil {
		t.Fatal("expected no LEAVE broadcast for a never-identified connection")
	}
	if nerr, ok := err.(net.Error); !ok || !nerr.Timeout() {
		t.Fatalf("expected a read timeout, got %v", err)
	}
}
