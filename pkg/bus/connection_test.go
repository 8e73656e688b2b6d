package bus

import (
	"net"
	"testing"

	"github.com/openkore/busbridge/pkg/ssm"
)

func pipeConnection() (*Connection, net.Conn) {
	a, b := net.Pipe()
	return newConnection(a), b
}

func TestConnectionIdentifyOnce(t *testing.T) {
	c, peer := pipeConnection()
	defer peer.Close()

	if c.State() != NotIdentified {
		t.Fatalf("expected NOT_IDENTIFIED, got %s", c.State())
	}
	if !c.identify("openkore", false) {
		t.Fatal("first identify should succeed")
	}
	if c.State() != Identified {
		t.Fatalf("expected IDENTIFIED, got %s", c.State())
	}
	if c.identify("openkore", false) {
		t.Fatal("second identify should fail")
	}
}

func TestConnectionIdentifyDefaultsUserAgent(t *testing.T) {
	c, peer := pipeConnection()
	defer peer.Close()

	c.identify("", true)
	if got := c.UserAgent(); got != "Unknown" {
		t.Errorf("expected default user agent Unknown, got %q", got)
	}
	if !c.PrivateOnly() {
		t.Error("expected private_only to be true")
	}
}

func TestConnectionDisplayName(t *testing.T) {
	c, peer := pipeConnection()
	defer peer.Close()

	c.setID("7")
	if got := c.DisplayName(); got != "Unknown:7" {
		t.Errorf("pre-identify display name = %q, want Unknown:7", got)
	}
	c.identify("botA", false)
	if got := c.DisplayName(); got != "botA:7" {
		t.Errorf("post-identify display name = %q, want botA:7", got)
	}
}

func TestConnectionSendAndClose(t *testing.T) {
	c, peer := pipeConnection()
	c.setID("1")

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 256)
		n, _ := peer.Read(buf)
		done <- buf[:n]
	}()

	if !c.Send("PING", ssm.Args{"n": ssm.UintValue(1)}) {
		t.Fatal("send should succeed on an open connection")
	}
	raw := <-done
	msg, err := ssm.Deserialize(raw)
	if err != nil {
		t.Fatalf("deserialize sent frame: %v", err)
	}
	if msg.ID != "PING" {
		t.Errorf("expected id PING, got %q", msg.ID)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
	if c.Send("PING", ssm.Args{}) {
		t.Error("send after close should fail")
	}
}
