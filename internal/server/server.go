// Package server is the hub clients negotiate with and exchange frames
// through. It keeps the latest value of every sent attribute per world and
// relays API callbacks to the simulations registered with it or connected
// to it.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/san-kum/dynsync/internal/apicall"
	"github.com/san-kum/dynsync/internal/protocol"
	"github.com/san-kum/dynsync/internal/schema"
)

// DefaultReadLimit caps a single incoming message.
const DefaultReadLimit = 1 << 20

// DefaultRelayTimeout bounds how long API callbacks wait for the connected
// simulation that answers them.
const DefaultRelayTimeout = 5 * time.Second

// Config wires the server dependencies.
type Config struct {
	Logger   *log.Logger
	Schema   *schema.Schema
	Registry *apicall.Registry
	// ReadLimit caps incoming messages in bytes. Zero uses DefaultReadLimit.
	ReadLimit int64
	// ShutdownTimeout bounds graceful shutdown in ListenAndServe.
	ShutdownTimeout time.Duration
	// RelayTimeout bounds API callbacks relayed to another client. Zero
	// uses DefaultRelayTimeout.
	RelayTimeout time.Duration
}

// Server implements http.Handler. Every request path is a client port.
type Server struct {
	logger   *log.Logger
	schema   *schema.Schema
	registry *apicall.Registry
	limit    int64
	shutdown time.Duration
	relay    time.Duration
	upgrader websocket.Upgrader
	worlds   *Store

	mu       sync.Mutex
	sessions map[string]*session
}

// New constructs a server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	sch := cfg.Schema
	if sch == nil {
		sch = schema.Default()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = apicall.NewRegistry(logger)
	}
	limit := cfg.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	shutdown := cfg.ShutdownTimeout
	if shutdown <= 0 {
		shutdown = 5 * time.Second
	}
	relay := cfg.RelayTimeout
	if relay <= 0 {
		relay = DefaultRelayTimeout
	}
	return &Server{
		logger:   logger,
		schema:   sch,
		registry: reg,
		limit:    limit,
		shutdown: shutdown,
		relay:    relay,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		worlds:   NewStore(),
		sessions: make(map[string]*session),
	}
}

// Registry is where in-process simulations register their API namespaces.
func (s *Server) Registry() *apicall.Registry { return s.registry }

// Worlds exposes the world store.
func (s *Server) Worlds() *Store { return s.worlds }

// Sessions lists live sessions ordered by port.
func (s *Server) Sessions() []Info {
	s.mu.Lock()
	list := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, sess)
	}
	s.mu.Unlock()
	out := make([]Info, len(list))
	for i, sess := range list {
		out[i] = sess.info()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Port != out[j].Port {
			return out[i].Port < out[j].Port
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}
	sess := &session{
		conn: conn,
		id:   uuid.NewString(),
		port:   strings.Trim(r.URL.Path, "/"),
		srv:    s,
		relays: make(chan *relay, 8),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	s.logger.Printf("[server] client on port %s connected", sess.port)

	defer func() {
		sess.release()
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
		conn.Close()
		s.logger.Printf("[server] client on port %s disconnected", sess.port)
	}()

	conn.SetReadLimit(s.limit)
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Printf("[server] read from port %s: %v", sess.port, err)
			}
			return
		}
		if err := sess.serveRelays(); err != nil {
			s.logger.Printf("[server] relay to port %s: %v", sess.port, err)
			return
		}
		switch mt {
		case websocket.TextMessage:
			if protocol.IsClose(data) {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			}
			reply, err := sess.negotiate(data)
			if err != nil {
				s.logger.Printf("[server] rejected meta data from port %s: %v", sess.port, err)
				reply = protocol.Rejection(err.Error())
			}
			if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				s.logger.Printf("[server] write to port %s: %v", sess.port, err)
				return
			}
		case websocket.BinaryMessage:
			reply, err := sess.exchange(data)
			if err != nil {
				s.logger.Printf("[server] dropped session on port %s: %v", sess.port, err)
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, reply); err != nil {
				s.logger.Printf("[server] write to port %s: %v", sess.port, err)
				return
			}
		}
	}
}

// owner finds the session simulating ns in world, preferring one other
// than from.
func (s *Server) owner(world, ns string, from *session) *session {
	s.mu.Lock()
	list := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, sess)
	}
	s.mu.Unlock()
	var self *session
	for _, sess := range list {
		if !sess.simulates(world, ns) {
			continue
		}
		if sess != from {
			return sess
		}
		self = sess
	}
	return self
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down
// within the configured timeout. ln is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Printf("[server] listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: serve on %s: %w", ln.Addr(), err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), s.shutdown)
		defer cancel()
		err := srv.Shutdown(sctx)
		s.closeAll()
		return err
	})
	return g.Wait()
}

// closeAll drops hijacked connections, which http.Server.Shutdown leaves
// alone.
func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.conn.Close()
	}
}
