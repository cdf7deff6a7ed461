package stream

import (
	"sync"

	"github.com/mholetzko/permetix/internal/logger"
	"github.com/mholetzko/permetix/pkg/utils"
)

// Session is one observer's live connection. Snapshots arrive on
// Messages() as discrete serialized frames; the channel is closed
// when the session is dropped or Close is called.
type Session struct {
	id       string
	messages chan []byte
	hub      *Hub
	closed   sync.Once
}

// Messages returns the session's outbound snapshot queue.
func (s *Session) Messages() <-chan []byte {
	return s.messages
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string {
	return s.id
}

// Close unsubscribes the session from the hub. Safe to call more
// than once and safe to race with a broadcast drop.
func (s *Session) Close() {
	s.hub.remove(s)
}

// Hub tracks connected observer sessions and fans snapshots out to
// them. Delivery is strictly non-blocking: a session whose queue is
// full when the next snapshot arrives is dropped, so one slow
// observer can never delay the others or the publisher's next tick.
type Hub struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	queueSize int
	dropped   uint64
	log       *logger.Logger
}

// NewHub creates a hub whose sessions buffer up to queueSize
// snapshots before being considered too slow to keep.
func NewHub(queueSize int, log *logger.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = 8
	}
	if log == nil {
		log = logger.DefaultLogger()
	}
	return &Hub{
		sessions:  make(map[string]*Session),
		queueSize: queueSize,
		log:       log,
	}
}

// Subscribe registers a new session. The caller owns draining its
// message channel and must Close it when the observer disconnects.
func (h *Hub) Subscribe() *Session {
	session := &Session{
		id:       utils.GenerateID(),
		messages: make(chan []byte, h.queueSize),
		hub:      h,
	}

	h.mu.Lock()
	h.sessions[session.id] = session
	count := len(h.sessions)
	h.mu.Unlock()

	h.log.Info("stream session opened", logger.Fields{
		"session_id": session.id,
		"sessions":   count,
	})
	return session
}

// Broadcast delivers one serialized snapshot to every open session
// and returns the number of deliveries. Sessions that cannot accept
// the frame are dropped in place.
func (h *Hub) Broadcast(frame []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for id, session := range h.sessions {
		select {
		case session.messages <- frame:
			delivered++
		default:
			// Queue full: the observer fell a full queue behind.
			delete(h.sessions, id)
			session.closed.Do(func() { close(session.messages) })
			h.dropped++
			h.log.Warn("dropped slow stream session", logger.Fields{
				"session_id": id,
			})
		}
	}
	return delivered
}

// Count returns the number of open sessions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Dropped returns how many sessions the hub has evicted for falling
// behind.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (h *Hub) remove(session *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessions[session.id]; ok {
		delete(h.sessions, session.id)
		session.closed.Do(func() { close(session.messages) })
	}
}
