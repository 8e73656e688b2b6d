// Package admin implements the HTTP bridge that lets operators inspect and
// inject traffic onto the bus without speaking the wire protocol directly.
package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/klauspost/compress/gzip"
	"github.com/openkore/busbridge/pkg/bus"
	"github.com/openkore/busbridge/pkg/ssm"
	"github.com/rs/zerolog/hlog"
)

// injectTimeout bounds how long an admin-initiated broadcast or unicast
// waits for the bus to accept it.
const injectTimeout = 2 * time.Second

// Handler serves the admin HTTP API described by the bus's operability
// surface: client listing, and broadcast/unicast message injection.
type Handler struct {
	Registry      *bus.Registry
	Router        *bus.Router
	Metrics       *bus.Metrics
	MetricsSecret string
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch r.URL.Path {
	case "/api/status":
		h.serveStatus(w, r)
	case "/bc":
		h.serveBroadcastGet(w, r)
	case "/api/broadcast":
		h.serveBroadcastPost(w, r)
	case "/api/message":
		h.serveMessage(w, r)
	case "/metrics":
		h.serveMetrics(w, r)
	default:
		respFail(w, r, http.StatusNotFound, "not_found", "no such endpoint")
	}
}

type clientStatus struct {
	ClientID    string `json:"client_id"`
	UserAgent   string `json:"user_agent"`
	PeerAddress string `json:"peer_address"`
	Identified  bool   `json:"identified"`
	PrivateOnly bool   `json:"private_only"`
}

type statusResponse struct {
	Clients    []clientStatus `json:"clients"`
	Total      int            `json:"total"`
	Identified int            `json:"identified"`
}

func (h *Handler) serveStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respFail(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "expected GET")
		return
	}

	conns := h.Registry.Snapshot()
	resp := statusResponse{Clients: make([]clientStatus, 0, len(conns))}
	for _, c := range conns {
		identified := c.State() == bus.Identified
		resp.Clients = append(resp.Clients, clientStatus{
			ClientID:    c.ID,
			UserAgent:   c.UserAgent(),
			PeerAddress: c.PeerAddr,
			Identified:  identified,
			PrivateOnly: c.PrivateOnly(),
		})
		resp.Total++
		if identified {
			resp.Identified++
		}
	}
	respJSON(w, r, http.StatusOK, resp)
}

// serveBroadcastGet implements the legacy "/bc" query-param broadcast
// endpoint: /bc?player=<name>&comm=<text>&... . It always broadcasts a
// "busComm" message; player and comm are required.
func (h *Handler) serveBroadcastGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respFail(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "expected GET")
		return
	}

	q := r.URL.Query()
	if q.Get("player") == "" || q.Get("comm") == "" {
		respFail(w, r, http.StatusBadRequest, "bad_request", "missing player or comm parameter")
		return
	}

	args := ssm.Args{}
	for k, vs := range q {
		if len(vs) == 0 {
			continue
		}
		args.Set(k, vs[0])
	}

	h.broadcast(w, r, "busComm", args)
}

type broadcastRequest struct {
	ID   string         `json:"id"`
	Args map[string]any `json:"args"`
}

func (h *Handler) serveBroadcastPost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respFail(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "expected POST")
		return
	}

	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respFail(w, r, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if req.ID == "" {
		respFail(w, r, http.StatusBadRequest, "bad_request", "missing id")
		return
	}

	h.broadcast(w, r, req.ID, argsFromJSON(req.Args))
}

func (h *Handler) broadcast(w http.ResponseWriter, r *http.Request, id string, args ssm.Args) {
	ctx, cancel := context.WithTimeout(r.Context(), injectTimeout)
	defer cancel()

	n, err := h.Router.BroadcastFromAdmin(ctx, id, args)
	if err != nil {
		respFail(w, r, http.StatusGatewayTimeout, "timeout", "bus did not accept the broadcast in time")
		return
	}
	respJSON(w, r, http.StatusOK, map[string]any{"delivered": n})
}

type messageRequest struct {
	ClientID string         `json:"client_id"`
	ID       string         `json:"id"`
	Args     map[string]any `json:"args"`
}

func (h *Handler) serveMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respFail(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "expected POST")
		return
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respFail(w, r, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if req.ClientID == "" || req.ID == "" {
		respFail(w, r, http.StatusBadRequest, "bad_request", "missing client_id or id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), injectTimeout)
	defer cancel()

	ok, err := h.Router.SendToClientFromAdmin(ctx, req.ClientID, req.ID, argsFromJSON(req.Args))
	if err != nil {
		respFail(w, r, http.StatusGatewayTimeout, "timeout", "bus did not accept the message in time")
		return
	}
	if !ok {
		respFail(w, r, http.StatusNotFound, "client_not_found", "no such identified client")
		return
	}
	respJSON(w, r, http.StatusOK, map[string]any{"delivered": true})
}

func (h *Handler) serveMetrics(w http.ResponseWriter, r *http.Request) {
	if h.MetricsSecret != "" && r.URL.Query().Get("secret") != h.MetricsSecret {
		respFail(w, r, http.StatusForbidden, "forbidden", "invalid or missing metrics secret")
		return
	}

	var buf bytes.Buffer
	h.Metrics.WritePrometheus(&buf)
	metrics.WriteProcessMetrics(&buf)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	respMaybeCompress(w, r, http.StatusOK, buf.Bytes())
}

func argsFromJSON(m map[string]any) ssm.Args {
	args := make(ssm.Args, len(m))
	for k, v := range m {
		args.Set(k, v)
	}
	return args
}

type errorObj struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respFail(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	respJSON(w, r, status, map[string]any{
		"error": errorObj{Code: code, Message: message},
	})
}

func respJSON(w http.ResponseWriter, r *http.Request, status int, obj any) {
	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}
	buf, err := json.Marshal(obj)
	if err != nil {
		panic(err)
	}
	hlog.FromRequest(r).Trace().Msgf("json admin response %.2048s", string(buf))
	buf = append(buf, '\n')
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	respMaybeCompress(w, r, status, buf)
}

// respMaybeCompress writes buf with the provided response status,
// compressing it with gzip if the client supports it and the result is
// smaller.
func respMaybeCompress(w http.ResponseWriter, r *http.Request, status int, buf []byte) {
	for _, e := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		if t, _, _ := strings.Cut(e, ";"); strings.TrimSpace(t) == "gzip" {
			var cbuf bytes.Buffer
			gw := gzip.NewWriter(&cbuf)
			if _, err := gw.Write(buf); err != nil {
				break
			}
			if err := gw.Close(); err != nil {
				break
			}
			if cbuf.Len() < int(float64(len(buf))*0.8) {
				buf = cbuf.Bytes()
				w.Header().Set("Content-Encoding", "gzip")
			}
			break
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(buf)))
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		w.Write(buf)
	}
}
