package bus

import (
	"context"
	"fmt"
	"strings"

	"github.com/openkore/busbridge/pkg/ssm"
	"github.com/rs/zerolog"
)

// Reserved message ids handled by the router rather than forwarded.
const (
	MsgHello          = "HELLO"
	MsgListClients    = "LIST_CLIENTS"
	MsgJoin           = "JOIN"
	MsgLeave          = "LEAVE"
	MsgDeliveryFailed = "DELIVERY_FAILED"
	MsgClientNotFound = "CLIENT_NOT_FOUND"
)

// Sink is the webhook divert target used for the reserved "discord"
// destination. Implementations must not block the caller for long; Send is
// called synchronously from the sender's read loop.
type Sink interface {
	Send(ctx context.Context, content string) error
}

// NopSink discards diverted broadcasts. Used when no webhook is configured.
type NopSink struct{}

func (NopSink) Send(context.Context, string) error { return nil }

// AuditLogger records connection lifecycle events for operability. It must
// never block routing on failure; callers treat errors as log-and-continue.
type AuditLogger interface {
	RecordEvent(kind, clientID, userAgent, peerAddr string) error
}

// NopAuditLogger discards events.
type NopAuditLogger struct{}

func (NopAuditLogger) RecordEvent(string, string, string, string) error { return nil }

// Router implements the per-connection state machine and message routing
// rules. It holds no connection-specific state: a single Router instance is
// shared by every connection's read loop, and is safe for concurrent use
// (all mutation goes through Registry and Connection, which are already
// synchronized).
type Router struct {
	Registry *Registry
	Sink     Sink
	Audit    AuditLogger
	Metrics  *Metrics
	Logger   zerolog.Logger
}

// protocolError marks an error that must close the offending connection
// only, per §7's error taxonomy.
type protocolError struct{ reason string }

func (e *protocolError) Error() string { return "protocol violation: " + e.reason }

func protoErr(reason string) error { return &protocolError{reason} }

// IsProtocolViolation reports whether err demands closing the connection.
func IsProtocolViolation(err error) bool {
	_, ok := err.(*protocolError)
	return ok
}

// Handle dispatches one parsed message from sender. A non-nil error means
// the connection must be closed; the caller is responsible for running the
// disconnect sequence (LEAVE broadcast + registry removal) exactly once,
// regardless of why the read loop is exiting.
func (r *Router) Handle(ctx context.Context, sender *Connection, msg ssm.Message) error {
	switch msg.ID {
	case MsgHello:
		return r.handleHello(sender, msg.Args)
	case MsgListClients:
		return r.handleListClients(sender, msg.Args)
	case MsgJoin, MsgLeave, MsgDeliveryFailed, MsgClientNotFound:
		// these are only ever router-generated; a client sending one is not
		// a protocol violation per se (the spec doesn't call it out), but
		// it has no meaning, so it's silently dropped.
		r.Metrics.dropped(msg.ID).Inc()
		return nil
	default:
		if sender.State() != Identified {
			return protoErr("message before identification")
		}
		return r.route(ctx, sender, msg.ID, msg.Args)
	}
}

func (r *Router) handleHello(sender *Connection, args ssm.Args) error {
	if sender.State() == Identified {
		r.Metrics.helloDuplicate.Inc()
		return protoErr("duplicate HELLO")
	}

	userAgent, _ := args.GetString("userAgent")
	privateOnly, _ := args.GetUint("privateOnly")
	if v, ok := args["privateOnly"]; ok && v.Type == ssm.String {
		privateOnly = boolFromString(v.Str)
	}

	if !sender.identify(userAgent, privateOnly != 0) {
		return protoErr("duplicate HELLO")
	}

	r.Metrics.identified.Inc()
	r.Logger.Info().
		Str("client_id", sender.ID).
		Str("user_agent", sender.UserAgent()).
		Bool("private_only", sender.PrivateOnly()).
		Msg("client identified")

	if err := r.Audit.RecordEvent("identify", sender.ID, sender.UserAgent(), sender.PeerAddr); err != nil {
		r.Logger.Warn().Err(err).Msg("failed to record identify audit event")
	}

	join := ssm.NewArgs(
		"clientID", sender.ID,
		"name", sender.DisplayName(),
		"userAgent", sender.UserAgent(),
		"host", sender.PeerAddr,
	)
	r.broadcastExcept(join, MsgJoin, sender.ID)
	return nil
}

func boolFromString(s string) uint32 {
	switch strings.ToLower(s) {
	case "1", "true", "yes":
		return 1
	default:
		return 0
	}
}

func (r *Router) handleListClients(sender *Connection, args ssm.Args) error {
	reply := ssm.Args{}
	var i uint32
	for _, c := range r.Registry.Snapshot() {
		if c.State() != Identified {
			continue
		}
		reply.Set(fmt.Sprintf("client%d", i), c.ID)
		reply.Set(fmt.Sprintf("clientUserAgent%d", i), c.UserAgent())
		i++
	}
	reply.Set("count", i)
	if seq, ok := args[ssm.KeySeq]; ok {
		reply[ssm.KeySeq] = seq
	}
	reply.Set(ssm.KeyIry, uint32(1))

	sender.Send(MsgListClients, reply)
	r.Metrics.listClients.Inc()
	return nil
}

// route implements the routing rules of §4.3 for non-reserved messages from
// an IDENTIFIED sender.
func (r *Router) route(ctx context.Context, sender *Connection, id string, args ssm.Args) error {
	if to, ok := args.GetString(ssm.KeyTo); ok {
		return r.routeUnicast(sender, id, args, to)
	}
	if player, ok := args.GetString("player"); ok && strings.EqualFold(player, "discord") {
		comm, _ := args.GetString("comm")
		r.divertToDiscord(ctx, sender, comm)
		return nil
	}
	r.routeBroadcast(sender, id, args)
	return nil
}

func (r *Router) routeUnicast(sender *Connection, id string, args ssm.Args, to string) error {
	out := cloneArgs(args)
	out.Set(ssm.KeyFrom, sender.ID)

	recipient, ok := r.Registry.Get(to)
	if !ok {
		r.sendReply(sender, MsgClientNotFound, args, ssm.NewArgs("clientID", to))
		r.Metrics.unicastNotFound.Inc()
		return nil
	}

	if !recipient.Send(id, out) {
		r.sendReply(sender, MsgDeliveryFailed, args, ssm.NewArgs("clientID", to))
		r.Metrics.unicastFailed.Inc()
		return nil
	}
	r.Metrics.unicastDelivered.Inc()
	return nil
}

// sendReply builds a router-generated reply, echoing SEQ from the original
// args if present and setting IRY=1, then sends it to sender.
func (r *Router) sendReply(sender *Connection, replyID string, origArgs ssm.Args, base ssm.Args) {
	if seq, ok := origArgs[ssm.KeySeq]; ok {
		base[ssm.KeySeq] = seq
	}
	base.Set(ssm.KeyIry, uint32(1))
	sender.Send(replyID, base)
}

func (r *Router) routeBroadcast(sender *Connection, id string, args ssm.Args) {
	out := cloneArgs(args)
	out.Set(ssm.KeyFrom, sender.ID)
	n := r.broadcastExcept(out, id, sender.ID)
	r.Metrics.broadcastDelivered.Add(n)
}

// broadcastExcept fans out id/args to every IDENTIFIED, non-private-only
// connection other than exceptID, and returns the number of recipients
// attempted (not the number of successful deliveries: per-recipient
// failures are the recipient's own disconnect path's concern, not the
// sender's).
func (r *Router) broadcastExcept(args ssm.Args, id, exceptID string) int {
	var n int
	for _, c := range r.Registry.Snapshot() {
		if c.ID == exceptID {
			continue
		}
		if c.State() != Identified || c.PrivateOnly() {
			continue
		}
		n++
		c.Send(id, args)
	}
	return n
}

// BroadcastFromAdmin fans out id/args to every IDENTIFIED, non-private-only
// connection, as requested by the admin HTTP bridge rather than by a bus
// client. There is no sender to stamp FROM onto the message or to exclude
// from the fan-out. It mirrors the original admin bridge's pattern of
// injecting a broadcast onto the running event loop and waiting (here, via
// the caller's ctx) for the injection to complete.
func (r *Router) BroadcastFromAdmin(ctx context.Context, id string, args ssm.Args) (delivered int, err error) {
	done := make(chan int, 1)
	go func() { done <- r.broadcastExcept(args, id, "") }()
	select {
	case n := <-done:
		r.Metrics.broadcastDelivered.Add(n)
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// SendToClientFromAdmin delivers id/args to a single client by id, as
// requested by the admin HTTP bridge. It reports whether the client was
// found, has identified, and the send succeeded.
func (r *Router) SendToClientFromAdmin(ctx context.Context, clientID, id string, args ssm.Args) (ok bool, err error) {
	done := make(chan bool, 1)
	go func() {
		c, found := r.Registry.Get(clientID)
		done <- found && c.State() == Identified && c.Send(id, args)
	}()
	select {
	case ok := <-done:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (r *Router) divertToDiscord(ctx context.Context, sender *Connection, comm string) {
	if err := r.Sink.Send(ctx, comm); err != nil {
		r.Logger.Warn().Err(err).Str("client_id", sender.ID).Msg("discord webhook delivery failed")
		r.Metrics.webhookFailed.Inc()
		return
	}
	r.Metrics.webhookSent.Inc()
}

func cloneArgs(a ssm.Args) ssm.Args {
	out := make(ssm.Args, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}
