// Package relayserver is a small NIP-01 relay: it accepts signed events over websockets, stores
// them in sqlite and serves them to subscriptions, first from storage and then live.
package relayserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	maxMessageSize = 1 << 20
	writeTimeout   = 10 * time.Second
)

type Options struct {
	// Name is advertised in the relay information document.
	Name string
	// Collectors are registered on the /metrics endpoint next to the relay's own metrics.
	Collectors []prometheus.Collector
	Logger     *slog.Logger
}

type Server struct {
	store    *Store
	name     string
	logger   *slog.Logger
	registry *prometheus.Registry
	upgrader websocket.Upgrader
	conns    *xsync.MapOf[string, *connection]
}

type connection struct {
	id      string
	ws      *websocket.Conn
	writeMu sync.Mutex
	subs    *xsync.MapOf[string, nostr.Filters]
}

func (c *connection) send(msg ...any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(msg)
}

func New(store *Store, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = "nostrdoc"
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(Collectors()...)
	registry.MustRegister(opts.Collectors...)
	return &Server{
		store:    store,
		name:     opts.Name,
		logger:   opts.Logger,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: xsync.NewMapOf[string, *connection](),
	}
}

// Handler routes the relay websocket and information document on / and metrics on /metrics.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Methods(http.MethodGet).Path("/").HandlerFunc(s.serveRoot)
	return r
}

// Connections returns the number of open websocket connections.
func (s *Server) Connections() int {
	return s.conns.Size()
}

// Close drops every open connection.
func (s *Server) Close() {
	s.conns.Range(func(_ string, c *connection) bool {
		_ = c.ws.Close()
		return true
	})
}

func (s *Server) serveRoot(writer http.ResponseWriter, request *http.Request) {
	if websocket.IsWebSocketUpgrade(request) {
		s.serveWebsocket(writer, request)
		return
	}
	if strings.Contains(request.Header.Get("Accept"), "application/nostr+json") {
		writer.Header().Set("Content-Type", "application/nostr+json")
		writer.Header().Set("Access-Control-Allow-Origin", "*")
		if err := json.NewEncoder(writer).Encode(map[string]any{
			"name":           s.name,
			"supported_nips": []int{1, 11},
			"software":       "nostrdoc",
		}); err != nil {
			s.logger.Error("failed to write out", "err", err)
		}
		return
	}
	writer.Header().Set("Content-Type", "text/plain")
	_, _ = writer.Write([]byte("nostr relay, connect with a websocket\n"))
}

func (s *Server) serveWebsocket(writer http.ResponseWriter, request *http.Request) {
	ws, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade", "err", err)
		return
	}
	ws.SetReadLimit(maxMessageSize)
	c := &connection{id: uuid.NewString(), ws: ws, subs: xsync.NewMapOf[string, nostr.Filters]()}
	logger := s.logger.With("conn", c.id, "remote", request.RemoteAddr)

	s.conns.Store(c.id, c)
	OpenConnections.Inc()
	logger.Debug("connection opened")
	defer func() {
		s.conns.Delete(c.id)
		OpenConnections.Dec()
		OpenSubscriptions.Sub(float64(c.subs.Size()))
		_ = ws.Close()
		logger.Debug("connection closed")
	}()

	// the request context ends once the handler returns, which is exactly the connection lifetime
	ctx := request.Context()
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("failed to read message", "err", err)
			}
			return
		}
		if err := s.handleMessage(ctx, c, msg); err != nil {
			logger.Error("failed to respond", "err", err)
			return
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, c *connection, msg []byte) error {
	switch env := nostr.ParseMessage(msg).(type) {
	case *nostr.EventEnvelope:
		return s.handleEvent(ctx, c, &env.Event)
	case *nostr.ReqEnvelope:
		return s.handleReq(ctx, c, env.SubscriptionID, env.Filters)
	case *nostr.CloseEnvelope:
		if _, ok := c.subs.LoadAndDelete(string(*env)); ok {
			OpenSubscriptions.Dec()
		}
		return nil
	default:
		return c.send("NOTICE", "unsupported message")
	}
}

func (s *Server) handleEvent(ctx context.Context, c *connection, event *nostr.Event) error {
	if event.GetID() != event.ID {
		RejectedEvents.WithLabelValues("id").Inc()
		return c.send("OK", event.ID, false, "invalid: event id does not match its content")
	}
	if ok, err := event.CheckSignature(); err != nil || !ok {
		RejectedEvents.WithLabelValues("signature").Inc()
		return c.send("OK", event.ID, false, "invalid: bad signature")
	}
	isNew, err := s.store.Save(ctx, event)
	if err != nil {
		s.logger.Error("failed to store event", "id", event.ID, "err", err)
		RejectedEvents.WithLabelValues("storage").Inc()
		return c.send("OK", event.ID, false, "error: failed to store event")
	}
	if !isNew {
		return c.send("OK", event.ID, true, "duplicate: already have this event")
	}
	StoredEvents.Inc()
	s.logger.Debug("stored event", "id", event.ID, "kind", event.Kind, "pubkey", event.PubKey)
	s.broadcast(event)
	return c.send("OK", event.ID, true, "")
}

func (s *Server) broadcast(event *nostr.Event) {
	s.conns.Range(func(_ string, c *connection) bool {
		c.subs.Range(func(sub string, filters nostr.Filters) bool {
			if !filters.Match(event) {
				return true
			}
			if err := c.send("EVENT", sub, event); err != nil {
				s.logger.Debug("failed to deliver event", "conn", c.id, "sub", sub, "err", err)
				return false
			}
			DeliveredEvents.Inc()
			return true
		})
		return true
	})
}

func (s *Server) handleReq(ctx context.Context, c *connection, sub string, filters nostr.Filters) error {
	if sub == "" {
		return c.send("NOTICE", "invalid: missing subscription id")
	}
	// registered before the stored events are read so nothing published meanwhile is missed
	if _, loaded := c.subs.LoadAndStore(sub, filters); !loaded {
		OpenSubscriptions.Inc()
	}
	stored, err := s.store.Query(ctx, filters)
	if err != nil {
		s.logger.Error("failed to query stored events", "sub", sub, "err", err)
		if _, ok := c.subs.LoadAndDelete(sub); ok {
			OpenSubscriptions.Dec()
		}
		return c.send("CLOSED", sub, "error: failed to query stored events")
	}
	for _, event := range stored {
		if err := c.send("EVENT", sub, event); err != nil {
			return err
		}
		DeliveredEvents.Inc()
	}
	return c.send("EOSE", sub)
}

// ListenAndServe serves the relay on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{Addr: addr, Handler: s.Handler()}
	errs := make(chan error, 1)
	go func() {
		errs <- httpServer.ListenAndServe()
	}()
	s.logger.Info("relay listening", "addr", addr)
	select {
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		_ = httpServer.Close()
		s.Close()
		<-errs
		return nil
	}
}
