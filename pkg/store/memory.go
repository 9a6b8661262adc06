package store

import (
	"context"
	"sort"
	"sync"

	"concord/pkg/types"
)

// MemoryStore keeps the log in process memory. It is used by tests and by
// servers that do not need durability.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[types.EventID]*Record
	byRoom   map[types.RoomID][]*Record
	frontier map[types.RoomID]map[types.EventID]struct{}
	cursors  map[types.ServerName]map[types.RoomID]Position
	position Position
	closed   bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[types.EventID]*Record),
		byRoom:   make(map[types.RoomID][]*Record),
		frontier: make(map[types.RoomID]map[types.EventID]struct{}),
		cursors:  make(map[types.ServerName]map[types.RoomID]Position),
	}
}

func (s *MemoryStore) Append(ctx context.Context, ev *types.Event, verdict Verdict) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Record{}, ErrClosed
	}
	if existing, ok := s.records[ev.EventID]; ok {
		dup := *existing
		dup.Duplicate = true
		return dup, nil
	}

	missing, err := checkAncestors(ctx, lockedMemory{s}, ev)
	if err != nil {
		return Record{}, err
	}
	if len(missing) > 0 {
		return Record{}, &MissingAncestorsError{EventID: ev.EventID, Missing: missing}
	}

	s.position++
	rec := &Record{
		Event:        ev.Clone(),
		Position:     s.position,
		Rejected:     verdict.Rejected,
		RejectReason: verdict.Reason,
	}
	s.records[ev.EventID] = rec
	s.byRoom[ev.RoomID] = append(s.byRoom[ev.RoomID], rec)

	if !verdict.Rejected {
		tips, ok := s.frontier[ev.RoomID]
		if !ok {
			tips = make(map[types.EventID]struct{})
			s.frontier[ev.RoomID] = tips
		}
		for _, parent := range ev.PrevEvents {
			delete(tips, parent)
		}
		tips[ev.EventID] = struct{}{}
	}

	return *rec, nil
}

func (s *MemoryStore) Get(ctx context.Context, id types.EventID) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lockedMemory{s}.Get(ctx, id)
}

func (s *MemoryStore) Has(ctx context.Context, id types.EventID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok, nil
}

func (s *MemoryStore) MissingAncestors(ctx context.Context, ev *types.Event) ([]types.EventID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return checkAncestors(ctx, lockedMemory{s}, ev)
}

func (s *MemoryStore) Frontier(ctx context.Context, room types.RoomID) ([]types.EventID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.EventID, 0, len(s.frontier[room]))
	for id := range s.frontier[room] {
		out = append(out, id)
	}
	return types.SortEventIDs(out), nil
}

func (s *MemoryStore) EventsSince(ctx context.Context, room types.RoomID, from []types.EventID, cursor Position) *Iterator {
	return newIterator(ctx, s, from, cursor, func(ctx context.Context, after Position, limit int) ([]Record, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()

		recs := s.byRoom[room]
		start := sort.Search(len(recs), func(i int) bool { return recs[i].Position > after })
		end := start + limit
		if end > len(recs) {
			end = len(recs)
		}
		page := make([]Record, 0, end-start)
		for _, rec := range recs[start:end] {
			page = append(page, *rec)
		}
		return page, nil
	})
}

func (s *MemoryStore) Backfill(ctx context.Context, room types.RoomID, from []types.EventID, limit int) ([]Record, error) {
	return backfill(ctx, s, room, from, limit)
}

func (s *MemoryStore) Rooms(ctx context.Context) ([]types.RoomID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.RoomID, 0, len(s.byRoom))
	for room := range s.byRoom {
		out = append(out, room)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MemoryStore) Position(ctx context.Context) (Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.position, nil
}

func (s *MemoryStore) AckCursor(ctx context.Context, dest types.ServerName, room types.RoomID, pos Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rooms, ok := s.cursors[dest]
	if !ok {
		rooms = make(map[types.RoomID]Position)
		s.cursors[dest] = rooms
	}
	if pos > rooms[room] {
		rooms[room] = pos
	}
	return nil
}

func (s *MemoryStore) Cursor(ctx context.Context, dest types.ServerName, room types.RoomID) (Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[dest][room], nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// lockedMemory reads without taking the lock; callers must hold it.
type lockedMemory struct{ s *MemoryStore }

func (l lockedMemory) Get(_ context.Context, id types.EventID) (Record, error) {
	rec, ok := l.s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}
