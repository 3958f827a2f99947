// Package observer streams simulation bus events to websocket clients as JSON frames.
package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/levelsim/internal/event"
)

const (
	writeWait   = 5 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = pongWait * 9 / 10
)

// Frame is one streamed event.
type Frame struct {
	Seq   uint64      `json:"seq"`
	Topic string      `json:"topic"`
	Event event.Event `json:"event"`
}

// Server exposes /events (websocket) and /healthz.
type Server struct {
	bus    *event.Bus
	buffer int
	logger *zap.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	clients  atomic.Int64
	srv      *http.Server
}

// NewServer creates a Server reading from bus. Each client gets its own subscription of buffer
// events; a client that falls further behind misses events.
//
// Precondition: bus and logger must not be nil; buffer > 0.
func NewServer(bus *event.Bus, buffer int, logger *zap.Logger) *Server {
	s := &Server{
		bus:    bus,
		buffer: buffer,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.WSHandler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]int64{"clients": s.clients.Load()})
	})
	return mux
}

// Clients returns the number of connected websocket clients.
func (s *Server) Clients() int64 {
	return s.clients.Load()
}

// parseTopics turns "a,b" into kinds. An empty query subscribes to every topic.
func parseTopics(q string) ([]event.Kind, error) {
	if q == "" {
		return nil, nil
	}
	var kinds []event.Kind
	for _, name := range strings.Split(q, ",") {
		name = strings.TrimSpace(name)
		k, ok := event.KindByName(name)
		if !ok {
			return nil, fmt.Errorf("unknown topic %q", name)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// WSHandler upgrades the request and streams events until either side closes. The optional
// "topics" query parameter filters by comma-separated topic names.
func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		kinds, err := parseTopics(r.URL.Query().Get("topics"))
		if err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		id := fmt.Sprintf("observer-%d", s.nextID.Add(1))
		sub := s.bus.Subscribe(id, s.buffer, kinds...)
		defer sub.Unsubscribe()
		s.clients.Add(1)
		defer s.clients.Add(-1)
		s.logger.Info("observer connected", zap.String("client", id), zap.String("remote", r.RemoteAddr))

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		writeErr := make(chan error, 1)
		go func() { writeErr <- s.writeLoop(ctx, conn, sub) }()

		// Reader loop: only control frames are expected; any read error ends the session.
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		select {
		case <-readDone:
			cancel()
			<-writeErr
		case err := <-writeErr:
			if err != nil {
				s.logger.Debug("observer write failed", zap.String("client", id), zap.Error(err))
			}
		}
		s.logger.Info("observer disconnected", zap.String("client", id), zap.Uint64("dropped", sub.Dropped()))
	}
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, sub *event.Subscription) error {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "simulation stopped"),
					time.Now().Add(writeWait))
				return nil
			}
			seq++
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(Frame{Seq: seq, Topic: e.Kind().String(), Event: e}); err != nil {
				return err
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		}
	}
}

// ListenAndServe serves on addr until Shutdown.
//
// Postcondition: Returns nil after a clean Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("observer listen %s: %w", addr, err)
	}
	s.logger.Info("observer listening", zap.String("addr", ln.Addr().String()))
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits up to timeout for handlers to finish.
func (s *Server) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("observer shutdown", zap.Error(err))
	}
}
