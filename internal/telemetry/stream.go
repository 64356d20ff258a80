package telemetry

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// AuditStreamer fans audit entries out to connected operator websockets
// (the /admin/audit/stream tail). On connect a client first receives a
// replay of the most recent ring entries, then live entries as they land.
type AuditStreamer struct {
	log      *AuditLog
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]chan AuditEntry

	replay int
}

// NewAuditStreamer wires a streamer as a sink on the given audit log.
func NewAuditStreamer(log *AuditLog, logger *slog.Logger, replay int) *AuditStreamer {
	if replay <= 0 {
		replay = 50
	}
	s := &AuditStreamer{
		log:     log,
		logger:  logger,
		clients: make(map[*websocket.Conn]chan AuditEntry),
		replay:  replay,
		upgrader: websocket.Upgrader{
			// The admin token check already ran in the HTTP layer.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	log.AddSink(s)
	return s
}

// Emit implements AuditSink. Slow clients get dropped entries, never a stall.
func (s *AuditStreamer) Emit(entry AuditEntry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.clients {
		select {
		case ch <- entry:
		default:
		}
	}
}

// HandleWebSocket upgrades the connection and starts the write loop.
func (s *AuditStreamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("audit stream upgrade failed", "error", err)
		return
	}

	ch := make(chan AuditEntry, 256)
	s.mu.Lock()
	s.clients[conn] = ch
	total := len(s.clients)
	s.mu.Unlock()
	s.logger.Info("audit stream client connected", "clients", total)

	// Replay most recent entries oldest-first so the tail reads naturally.
	recent := s.log.Recent(s.replay)
	for i := len(recent) - 1; i >= 0; i-- {
		if err := conn.WriteJSON(recent[i]); err != nil {
			s.drop(conn)
			return
		}
	}

	go s.writeLoop(conn, ch)

	// Read loop exists only to observe the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.drop(conn)
				return
			}
		}
	}()
}

func (s *AuditStreamer) writeLoop(conn *websocket.Conn, ch chan AuditEntry) {
	for entry := range ch {
		if err := conn.WriteJSON(entry); err != nil {
			s.drop(conn)
			return
		}
	}
}

func (s *AuditStreamer) drop(conn *websocket.Conn) {
	s.mu.Lock()
	ch, ok := s.clients[conn]
	if ok {
		delete(s.clients, conn)
		close(ch)
	}
	total := len(s.clients)
	s.mu.Unlock()
	if ok {
		conn.Close()
		s.logger.Info("audit stream client disconnected", "clients", total)
	}
}

// ClientCount reports connected operator clients for /admin/stats.
func (s *AuditStreamer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
