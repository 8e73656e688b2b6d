package busbridge

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/openkore/busbridge/db/busdb"
	"github.com/openkore/busbridge/pkg/admin"
	"github.com/openkore/busbridge/pkg/bus"
	"github.com/openkore/busbridge/pkg/cloudflare"
	"github.com/openkore/busbridge/pkg/webhook"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// Server wires together the bus listener, the admin HTTP bridge, the audit
// database, and the webhook sink into a single runnable process.
type Server struct {
	Logger zerolog.Logger

	Addr          string
	AdminAddr     string
	MetricsSecret string
	NotifySocket  string

	Registry *bus.Registry
	Router   *bus.Router
	Bus      *bus.Listener
	Admin    http.Handler

	auditDB *busdb.DB

	reload []func()
	closed bool
}

// NewServer configures a new server using c, which is assumed to be
// initialized to default or configured values (as done by UnmarshalEnv).
func NewServer(c *Config) (*Server, error) {
	var s Server
	var success bool

	s.Addr = c.Addr
	s.AdminAddr = c.AdminAddr
	s.MetricsSecret = c.MetricsSecret
	s.NotifySocket = c.NotifySocket

	if l, fn, err := configureLogging(c); err == nil {
		s.Logger = l
		s.reload = append(s.reload, fn)
	} else {
		return nil, fmt.Errorf("initialize logging: %w", err)
	}

	defer func() {
		if !success && s.auditDB != nil {
			s.auditDB.Close()
		}
	}()

	var audit bus.AuditLogger = bus.NopAuditLogger{}
	if c.AuditDB != "" {
		db, err := busdb.Open(c.AuditDB)
		if err != nil {
			return nil, fmt.Errorf("open audit database: %w", err)
		}
		if cur, tgt, err := db.Version(); err != nil {
			return nil, fmt.Errorf("get audit database version: %w", err)
		} else if cur != tgt {
			if err := db.MigrateUp(context.Background(), tgt); err != nil {
				return nil, fmt.Errorf("migrate audit database: %w", err)
			}
		}
		s.auditDB = db
		audit = db
	}

	var sink bus.Sink = bus.NopSink{}
	if c.DiscordWebhook != "" {
		d, err := webhook.NewDiscordSink(c.DiscordWebhook)
		if err != nil {
			return nil, fmt.Errorf("initialize discord webhook: %w", err)
		}
		sink = d
	}

	s.Registry = bus.NewRegistry()
	m := bus.NewMetrics()

	s.Router = &bus.Router{
		Registry: s.Registry,
		Sink:     sink,
		Audit:    audit,
		Metrics:  m,
		Logger:   s.Logger.With().Str("component", "bus").Logger(),
	}
	s.Bus = &bus.Listener{
		Registry: s.Registry,
		Router:   s.Router,
		Metrics:  m,
		Logger:   s.Logger.With().Str("component", "bus").Logger(),
	}

	if c.AdminAddr != "" {
		var mw middlewares

		if len(c.Host) != 0 {
			ns := map[string]struct{}{}
			for _, n := range c.Host {
				ns[strings.ToLower(n)] = struct{}{}
			}
			mw.Add(func(h http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					x := []byte(r.Host)
					for i := len(x) - 1; i >= 0; i-- {
						xc := x[i]
						if xc < '0' || xc > '9' {
							if xc == ':' {
								x = x[:i]
							}
							break
						}
					}
					if _, ok := ns[strings.ToLower(string(x))]; ok {
						h.ServeHTTP(w, r)
						return
					}
					http.Error(w, "Go away.", http.StatusForbidden)
				})
			})
		}

		if c.Cloudflare {
			mw.Add(cloudflare.RealIP(func(r *http.Request, err error) {
				e := s.Logger.Warn()
				if rid, ok := hlog.IDFromRequest(r); ok {
					e = e.Stringer("rid", rid)
				}
				e.Err(err).Str("component", "admin").Str("request_ip", r.RemoteAddr).Msg("use cloudflare ip")
			}))
		}

		mw.Add(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			e := s.Logger.Info()
			if rid, ok := hlog.IDFromRequest(r); ok {
				e = e.Stringer("rid", rid)
			}
			e.Str("request_ip", r.RemoteAddr).
				Str("request_method", r.Method).
				Stringer("request_uri", r.URL).
				Int("response_status", status).
				Int("response_size", size).
				Dur("response_duration", duration).
				Msg("handle admin request")
		}))
		mw.Add(hlog.NewHandler(s.Logger.With().Str("component", "admin").Logger()))
		mw.Add(hlog.RequestIDHandler("rid", ""))

		h := &admin.Handler{
			Registry:      s.Registry,
			Router:        s.Router,
			Metrics:       m,
			MetricsSecret: s.MetricsSecret,
		}
		s.Admin = mw.Then(h)
	}

	success = true
	return &s, nil
}

func configureLogging(c *Config) (l zerolog.Logger, reopen func(), err error) {
	var outputs []io.Writer
	if c.LogStdout {
		if c.LogStdoutPretty {
			outputs = append(outputs, newZerologWriterLevel(zerolog.ConsoleWriter{
				Out: os.Stdout,
			}, c.LogStdoutLevel))
		} else {
			outputs = append(outputs, newZerologWriterLevel(os.Stdout, c.LogStdoutLevel))
		}
	}
	if fn := c.LogFile; fn != "" {
		x := newZerologWriterLevel(nil, c.LogFileLevel)
		if fn, err = filepath.Abs(fn); err != nil {
			err = fmt.Errorf("resolve log file: %w", err)
			return
		}
		reopen = func() {
			x.SwapWriter(func(old io.Writer) io.Writer {
				if o, ok := old.(io.Closer); ok {
					o.Close()
				}
				if f, err := os.OpenFile(fn, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666); err == nil {
					if c.LogFileChown != nil {
						if err := f.Chown((*c.LogFileChown)[0], (*c.LogFileChown)[1]); err != nil {
							fmt.Fprintf(os.Stderr, "error: chown log file: %v\n", err)
						}
					}
					if c.LogFileChmod != 0 {
						if err := f.Chmod(c.LogFileChmod); err != nil {
							fmt.Fprintf(os.Stderr, "error: chmod log file: %v\n", err)
						}
					}
					return f
				} else {
					fmt.Fprintf(os.Stderr, "error: failed to open log file: %v\n", err)
				}
				return nil
			})
		}
		outputs = append(outputs, x)
		reopen()
	}
	l = zerolog.New(zerolog.MultiLevelWriter(outputs...)).
		Level(c.LogLevel).
		With().
		Timestamp().
		Logger()
	return
}

// Run runs the bus listener and, if configured, the admin HTTP server,
// shutting both down gracefully when ctx is canceled, then waiting
// indefinitely for them to exit. It must only ever be called once, and the
// server is useless afterwards.
func (s *Server) Run(ctx context.Context) error {
	if s.closed {
		return http.ErrServerClosed
	}

	errch := make(chan error, 2)
	busDone := make(chan struct{})
	go func() {
		defer close(busDone)
		errch <- s.Bus.Run(ctx, s.Addr)
	}()

	var adminSrv *http.Server
	if s.Admin != nil {
		adminSrv = &http.Server{Addr: s.AdminAddr, Handler: s.Admin}
		go func() {
			errch <- adminSrv.ListenAndServe()
		}()
	}

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		go s.sdnotify("READY=1")
	case err := <-errch:
		if err != nil && err != http.ErrServerClosed {
			s.Logger.Err(err).Msg("failed to start server")
			return err
		}
	}

	select {
	case <-ctx.Done():
	case err := <-errch:
		if err != nil && err != http.ErrServerClosed {
			s.Logger.Err(err).Msg("failed to start server")
			return err
		}
	}

	s.closed = true
	s.Logger.Log().Msg("shutting down")
	go s.sdnotify("STOPPING=1")

	var wg sync.WaitGroup
	if adminSrv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adminSrv.Shutdown(context.Background())
		}()
	}
	wg.Wait()
	<-busDone

	if s.auditDB != nil {
		s.auditDB.Close()
	}
	return nil
}

// HandleSIGHUP reopens the log file, reloads any other registered reload
// hooks, and notifies systemd that the reload completed.
func (s *Server) HandleSIGHUP() {
	if s.closed {
		return
	}
	s.sdnotify("RELOADING=1")
	defer s.sdnotify("READY=1")

	for _, fn := range s.reload {
		if fn != nil {
			fn()
		}
	}
}

// sdnotify sends state to the systemd notification socket named by
// NotifySocket, if configured. It reports whether a socket was configured.
func (s *Server) sdnotify(state string) (bool, error) {
	if s.NotifySocket == "" {
		return false, nil
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: s.NotifySocket, Net: "unixgram"})
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(state)); err != nil {
		return false, err
	}
	return true, nil
}
