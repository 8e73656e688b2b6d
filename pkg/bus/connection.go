package bus

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/openkore/busbridge/pkg/ssm"
)

// State is the identification state of a Connection.
type State int

const (
	NotIdentified State = iota
	Identified
)

func (s State) String() string {
	if s == Identified {
		return "IDENTIFIED"
	}
	return "NOT_IDENTIFIED"
}

// Connection represents one accepted client socket. Its ID, PeerAddr, and
// the receive parser are owned exclusively by the connection's read loop and
// need no synchronization. State, UserAgent, PrivateOnly, and DisplayName
// are written at identification (DisplayName also when the id is assigned)
// but read concurrently by the
// router and registry snapshots taken from other goroutines, so they're
// guarded by mu. Writes to the socket are serialized by writeMu so that two
// producers (the owning read loop routing a reply, and another connection's
// read loop delivering a unicast or broadcast) never interleave bytes on the
// wire.
type Connection struct {
	ID       string
	PeerAddr string

	conn net.Conn

	mu          sync.RWMutex
	state       State
	userAgent   string
	privateOnly bool
	displayName string

	writeMu sync.Mutex
	closed  bool

	Parser ssm.Parser // owned by the read loop only
}

// newConnection wraps conn, not yet assigned a client id. Registry.Accept
// assigns the id.
func newConnection(conn net.Conn) *Connection {
	return &Connection{
		PeerAddr:  conn.RemoteAddr().String(),
		conn:      conn,
		userAgent: "Unknown",
	}
}

// setID assigns the client id, called exactly once by Registry.Accept
// before the connection is inserted into the registry and made visible to
// other goroutines.
func (c *Connection) setID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ID = id
	c.displayName = "Unknown:" + id
}

// State returns the current identification state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// UserAgent returns the identified user agent, or "Unknown" before identify.
func (c *Connection) UserAgent() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userAgent
}

// PrivateOnly reports whether this connection opted out of broadcast
// fan-out.
func (c *Connection) PrivateOnly() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.privateOnly
}

// DisplayName returns "<user_agent>:<client_id>".
func (c *Connection) DisplayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.displayName
}

// identify transitions the connection to IDENTIFIED, freezing userAgent,
// privateOnly, and displayName. It reports false if the connection was
// already identified (a protocol violation the caller must close on).
func (c *Connection) identify(userAgent string, privateOnly bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Identified {
		return false
	}
	if userAgent == "" {
		userAgent = "Unknown"
	}
	c.state = Identified
	c.userAgent = userAgent
	c.privateOnly = privateOnly
	c.displayName = fmt.Sprintf("%s:%s", userAgent, c.ID)
	return true
}

// Send serializes id/args and writes the frame to the socket. It returns
// false iff the write fails; it never panics or returns an error to the
// caller above the bus.
func (c *Connection) Send(id string, args ssm.Args) bool {
	buf, err := ssm.Serialize(id, args)
	if err != nil {
		// a malformed outgoing message is a bug in the router, not a
		// transport failure; there's nothing useful to retry.
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return false
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := c.conn.Write(buf); err != nil {
		return false
	}
	return true
}

// Close closes the underlying socket. Idempotent.
func (c *Connection) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// SetReadDeadline sets the deadline for the next Read on the underlying
// socket.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Read reads raw bytes from the underlying socket.
func (c *Connection) Read(p []byte) (int, error) {
	return c.conn.Read(p)
}
