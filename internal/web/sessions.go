package web

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/statistics"
)

const (
	wsWriteTimeout = 5 * time.Second
	// wsSendBuffer is how many messages may queue for one client before it
	// is considered stalled and dropped.
	wsSendBuffer = 32
)

// wsClient owns one WebSocket connection. Only its writer goroutine writes
// to conn; the send channel is closed when the client is removed.
type wsClient struct {
	conn *websocket.Conn
	send chan WSMessage
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{conn: conn, send: make(chan WSMessage, wsSendBuffer)}
}

// writeLoop delivers queued messages until the channel is closed or a write
// fails, then closes the connection so the reader side unblocks.
func (c *wsClient) writeLoop(log *logrus.Entry) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := c.conn.WriteJSON(msg); err != nil {
			log.WithError(err).Debug("WebSocket write failed")
			return
		}
	}
}

// Session is one browser tab's Compressor Flow and its WebSocket clients.
type Session struct {
	ID      string
	Flow    *compressor.Flow
	Created time.Time

	lastSeen atomic.Int64
	log      *logrus.Entry

	clientsMu sync.Mutex
	clients   map[*wsClient]struct{}
}

func (s *Session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns when the session was last used.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

func (s *Session) addClient(c *wsClient) {
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
}

func (s *Session) removeClient(c *wsClient) {
	s.clientsMu.Lock()
	s.dropLocked(c)
	s.clientsMu.Unlock()
}

// dropLocked unregisters c and closes its queue. Callers hold clientsMu.
func (s *Session) dropLocked(c *wsClient) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	close(c.send)
}

// send queues one message for a single client.
func (s *Session) send(c *wsClient, msg WSMessage) bool {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return s.enqueueLocked(c, msg)
}

// broadcast queues msgs for every client without blocking. A client whose
// queue is full is dropped.
func (s *Session) broadcast(msgs ...WSMessage) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	for c := range s.clients {
		for _, msg := range msgs {
			if !s.enqueueLocked(c, msg) {
				break
			}
		}
	}
}

func (s *Session) enqueueLocked(c *wsClient, msg WSMessage) bool {
	if _, ok := s.clients[c]; !ok {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		s.log.Warn("Dropping stalled WebSocket client")
		s.dropLocked(c)
		return false
	}
}

// onEvent forwards flow events to the session's clients.
func (s *Session) onEvent(ev compressor.Event) {
	msgs := make([]WSMessage, 0, 2)
	if ev.Kind.IsAlert() && ev.Err != nil {
		msgs = append(msgs, WSMessage{
			Type: "alert",
			Data: AlertPayload{Kind: string(ev.Kind), Error: ev.Err.Error(), Code: errorCode(ev.Err)},
		})
	}
	msgs = append(msgs, WSMessage{
		Type: "view",
		Data: ViewPayload{Event: string(ev.Kind), View: ev.View},
	})
	s.broadcast(msgs...)
}

func (s *Session) close() {
	s.Flow.Close()

	s.clientsMu.Lock()
	for c := range s.clients {
		s.dropLocked(c)
	}
	s.clientsMu.Unlock()
}

func (s *Session) hasClients() bool {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients) > 0
}

// SessionRegistry holds all live sessions and expires idle ones.
type SessionRegistry struct {
	log     *logrus.Logger
	stats   *statistics.Statistics
	newFlow func() *compressor.Flow
	idle    time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionRegistry returns an empty registry. newFlow builds the Flow for
// each new session.
func NewSessionRegistry(log *logrus.Logger, stats *statistics.Statistics, idle time.Duration, newFlow func() *compressor.Flow) *SessionRegistry {
	return &SessionRegistry{
		log:      log,
		stats:    stats,
		newFlow:  newFlow,
		idle:     idle,
		sessions: make(map[string]*Session),
	}
}

// Create starts a new session with an Empty flow.
func (r *SessionRegistry) Create() *Session {
	id := uuid.NewString()
	s := &Session{
		ID:      id,
		Flow:    r.newFlow(),
		Created: time.Now(),
		log:     logger.WithSession(r.log, id),
		clients: make(map[*wsClient]struct{}),
	}
	s.touch()
	s.Flow.Subscribe(r.stats.Observer(id))
	s.Flow.Subscribe(s.onEvent)

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	r.stats.IncrementSessionsCreated()
	s.log.Info("Session created")
	return s
}

// Get returns the session and marks it as used.
func (r *SessionRegistry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		s.touch()
	}
	return s, ok
}

// Delete closes and removes a session.
func (r *SessionRegistry) Delete(id string) bool {
	s, ok := r.remove(id)
	if !ok {
		return false
	}
	s.close()
	r.stats.IncrementSessionsClosed()
	s.log.WithField("age", time.Since(s.Created).Round(time.Second).String()).Info("Session closed")
	return true
}

func (r *SessionRegistry) remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

// Len returns the number of live sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep closes sessions idle since before now minus the idle timeout and
// returns how many were expired.
func (r *SessionRegistry) Sweep(now time.Time) int {
	cutoff := now.Add(-r.idle)

	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		if s.LastSeen().Before(cutoff) && !s.hasClients() {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		s.close()
		r.stats.IncrementSessionsExpired()
		s.log.WithField("age", now.Sub(s.Created).Round(time.Second).String()).Info("Session expired")
	}
	return len(expired)
}

// Run sweeps idle sessions every interval until ctx is done.
func (r *SessionRegistry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := r.Sweep(now); n > 0 {
				r.log.Debugf("Expired %d idle sessions", n)
			}
		}
	}
}

// CloseAll closes every session.
func (r *SessionRegistry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.close()
		r.stats.IncrementSessionsClosed()
	}
}
