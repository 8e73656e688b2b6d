package bus

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/openkore/busbridge/pkg/ssm"
	"github.com/rs/zerolog"
)

// readBufSize is the size of each individual Read call. Frames larger than
// this are simply reassembled across multiple reads by Connection.Parser.
const readBufSize = 32 * 1024

// idleTimeout bounds how long a read loop blocks waiting for the next byte
// before it gets a chance to notice shutdown. It does not close idle
// connections: an expired deadline with no other error is treated as a
// keep-alive tick, not a disconnect.
const idleTimeout = 60 * time.Second

// Listener accepts connections on a single TCP address and drives each
// one's read loop, feeding frames to a Router.
type Listener struct {
	Registry *Registry
	Router   *Router
	Metrics  *Metrics
	Logger   zerolog.Logger

	ln net.Listener
	wg sync.WaitGroup
}

// Run accepts connections on addr until ctx is canceled, then stops
// accepting, closes every registered connection, and waits for all read
// loops to exit before returning. It must only be called once.
func (l *Listener) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	l.ln = ln
	l.Logger.Info().Str("addr", addr).Msg("listening for bus connections")

	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	go l.logConnectionCounts(ctx)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				for _, c := range l.Registry.Snapshot() {
					c.Close()
				}
				l.wg.Wait()
				return nil
			default:
				l.Logger.Warn().Err(err).Msg("accept failed")
				return err
			}
		}
		l.Metrics.connectionsAccepted.Inc()
		l.Metrics.connectionsActive.Inc()
		l.wg.Add(1)
		go l.serve(ctx, conn)
	}
}

// logConnectionCounts periodically logs the total and identified client
// counts, mirroring the original bus server's background logging of
// connection state.
func (l *Listener) logConnectionCounts(ctx context.Context) {
	tk := time.NewTicker(30 * time.Second)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			l.Logger.Info().
				Int("total", l.Registry.Count()).
				Int("identified", l.Registry.IdentifiedCount()).
				Msg("connection counts")
		}
	}
}

// serve runs one connection's read loop to completion, then runs its
// disconnect sequence exactly once regardless of how the loop ended.
func (l *Listener) serve(ctx context.Context, raw net.Conn) {
	defer l.wg.Done()

	c := newConnection(raw)
	id := l.Registry.Accept(c)
	logger := l.Logger.With().Str("client_id", id).Str("peer", c.PeerAddr).Logger()
	logger.Info().Msg("client connected")

	if err := l.Router.Audit.RecordEvent("connect", id, "", c.PeerAddr); err != nil {
		logger.Warn().Err(err).Msg("failed to record connect audit event")
	}

	defer l.disconnect(c, logger)

	if !c.Send(MsgHello, ssm.NewArgs("yourID", id)) {
		logger.Warn().Msg("failed to send server HELLO")
		return
	}

	buf := make([]byte, readBufSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.SetReadDeadline(time.Now().Add(idleTimeout))
		n, err := c.Read(buf)
		if n > 0 {
			c.Parser.Feed(buf[:n])
			for {
				msg, ok, perr := c.Parser.Next()
				if perr != nil {
					logger.Warn().Err(perr).Msg("malformed frame, closing connection")
					return
				}
				if !ok {
					break
				}
				if herr := l.Router.Handle(ctx, c, msg); herr != nil {
					if IsProtocolViolation(herr) {
						logger.Warn().Err(herr).Msg("protocol violation, closing connection")
					} else {
						logger.Warn().Err(herr).Msg("error handling message, closing connection")
					}
					return
				}
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// idle timeout: treated as a keep-alive tick, not a close.
				continue
			}
			return
		}
	}
}

// disconnect runs the single, guaranteed-once teardown path for c: registry
// removal, a LEAVE broadcast if it had identified, an audit record, and
// closing the socket.
func (l *Listener) disconnect(c *Connection, logger zerolog.Logger) {
	l.Registry.Remove(c.ID)
	l.Metrics.connectionsActive.Dec()

	wasIdentified := c.State() == Identified
	c.Close()

	if wasIdentified {
		leave := ssm.NewArgs("clientID", c.ID, "name", c.DisplayName())
		l.Router.broadcastExcept(leave, MsgLeave, c.ID)
	}

	if err := l.Router.Audit.RecordEvent("disconnect", c.ID, c.UserAgent(), c.PeerAddr); err != nil {
		logger.Warn().Err(err).Msg("failed to record disconnect audit event")
	}

	logger.Info().Bool("was_identified", wasIdentified).Msg("client disconnected")
}
