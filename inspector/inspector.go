// Package inspector streams a Runtime's poll-loop diagnostics (pending-op
// counts, dynamic-import activity, shared-queue occupancy) to a connected
// websocket client, for external tooling analogous to a devtools inspector
// channel. It is grounded in the teacher's internal/webapi/websocket.go
// Bridge (coder/websocket Accept/Write/Read/Close, a reader goroutine
// feeding a buffered channel, a ping ticker) and serves the upgrade over
// h2c via golang.org/x/net/http2, the same package the teacher's fetch
// stack pulls in transitively for HTTP/2 client support.
package inspector

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/cryguy/corejs"
)

// pingInterval mirrors the teacher's WebSocketHandler.Bridge keepalive
// cadence.
const pingInterval = 30 * time.Second

// Event is one JSON text message pushed to every connected client: a Stats
// snapshot plus a human-readable summary line, stamped with the session id
// that produced it.
type Event struct {
	Session   string       `json:"session"`
	Stats     corejs.Stats `json:"stats"`
	Summary   string       `json:"summary"`
	EmittedAt time.Time    `json:"emitted_at"`
}

// Server accepts websocket connections and fans a single Runtime's Stats
// stream out to all of them.
type Server struct {
	stats <-chan corejs.Stats
	log   *log.Logger

	register   chan chan Event
	unregister chan chan Event
}

// New builds a Server that relays stats (as produced by
// Runtime.Subscribe) to connected clients. Call Serve to start the relay
// goroutine and ServeHTTP (or Handler) to accept connections.
func New(stats <-chan corejs.Stats, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		stats:      stats,
		log:        logger,
		register:   make(chan chan Event),
		unregister: make(chan chan Event),
	}
}

// Serve runs the fan-out relay until ctx is done. Call it once, typically
// in its own goroutine.
func (s *Server) Serve(ctx context.Context) {
	clients := make(map[chan Event]struct{})
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-s.register:
			clients[c] = struct{}{}
		case c := <-s.unregister:
			delete(clients, c)
			close(c)
		case st, ok := <-s.stats:
			if !ok {
				return
			}
			evt := Event{
				Stats:     st,
				Summary:   summarize(st),
				EmittedAt: time.Now(),
			}
			for c := range clients {
				select {
				case c <- evt:
				default: // slow client: drop rather than block the relay
				}
			}
		}
	}
}

func summarize(st corejs.Stats) string {
	return fmt.Sprintf(
		"pending=%d unref=%d dynload=%d queued=%s",
		st.PendingOps, st.PendingUnrefOps, st.PreparingDynImports+st.PendingDynImports,
		humanize.Comma(int64(st.QueueSize)),
	)
}

// Handler returns an http.Handler that upgrades each request to a websocket
// and streams Events to it, one JSON text message per Event, until the
// client disconnects, a write or ping fails, or the request's context ends.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.log.Printf("inspector: accept: %v", err)
			return
		}
		sessionID := uuid.New().String()
		s.bridge(r.Context(), sessionID, conn)
	})
}

// H2CHandler wraps Handler to be served over h2c (HTTP/2 without TLS),
// matching the teacher's preference for plaintext transports in local dev.
func (s *Server) H2CHandler() http.Handler {
	return h2c.NewHandler(s.Handler(), &http2.Server{})
}

func (s *Server) bridge(ctx context.Context, sessionID string, conn *websocket.Conn) {
	defer conn.Close(websocket.StatusNormalClosure, "inspector closing")

	events := make(chan Event, 64)
	s.register <- events
	defer func() { s.unregister <- events }()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			evt.Session = sessionID
			payload, err := json.Marshal(evt)
			if err != nil {
				s.log.Printf("inspector: marshaling event: %v", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
