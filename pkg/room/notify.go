package room

import (
	"sync"

	"concord/pkg/store"
	"concord/pkg/types"

	"go.uber.org/zap"
)

// NotificationKind distinguishes stored events from ephemeral ones.
type NotificationKind int

const (
	KindPDU NotificationKind = iota
	KindEDU
)

func (k NotificationKind) String() string {
	if k == KindEDU {
		return "edu"
	}
	return "pdu"
}

// Notification is delivered to subscribers once per newly accepted event and
// once per published EDU.
type Notification struct {
	Kind     NotificationKind
	RoomID   types.RoomID
	Event    *types.Event
	EDU      *types.EDU
	Position store.Position
}

// Subscription receives notifications until closed. A subscriber that falls
// more than its buffer behind misses notifications; Dropped counts them and
// the last delivered Position lets the caller catch up from the store.
type Subscription struct {
	C <-chan Notification

	ch      chan Notification
	rooms   map[types.RoomID]struct{}
	hub     *hub
	id      int64
	mu      sync.Mutex
	dropped int
	closed  bool
}

// Dropped returns how many notifications were discarded because the buffer
// was full.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

func (s *Subscription) accepts(room types.RoomID) bool {
	if len(s.rooms) == 0 {
		return true
	}
	_, ok := s.rooms[room]
	return ok
}

func (s *Subscription) deliver(n Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- n:
		return true
	default:
		s.dropped++
		return false
	}
}

type hub struct {
	mu     sync.RWMutex
	subs   map[int64]*Subscription
	nextID int64
	logger *zap.Logger
}

func newHub(logger *zap.Logger) *hub {
	return &hub{
		subs:   make(map[int64]*Subscription),
		logger: logger,
	}
}

func (h *hub) add(buffer int, rooms []types.RoomID) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Notification, buffer)
	s := &Subscription{C: ch, ch: ch, hub: h}
	if len(rooms) > 0 {
		s.rooms = make(map[types.RoomID]struct{}, len(rooms))
		for _, r := range rooms {
			s.rooms[r] = struct{}{}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	s.id = h.nextID
	h.subs[s.id] = s
	return s
}

func (h *hub) remove(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s.id)
	h.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (h *hub) publish(n Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if !s.accepts(n.RoomID) {
			continue
		}
		if !s.deliver(n) {
			h.logger.Warn("Subscriber buffer full, dropping notification",
				zap.Int64("subscriber", s.id),
				zap.String("room_id", string(n.RoomID)),
				zap.Stringer("kind", n.Kind))
		}
	}
}

// Subscribe registers a subscriber with the given channel buffer. With rooms
// given only those rooms are delivered.
func (e *Engine) Subscribe(buffer int, rooms ...types.RoomID) *Subscription {
	return e.subs.add(buffer, rooms)
}

// PublishEDU fans an ephemeral event out to subscribers. EDUs are never
// stored.
func (e *Engine) PublishEDU(edu types.EDU) {
	e.subs.publish(Notification{Kind: KindEDU, RoomID: edu.RoomID, EDU: &edu})
}
