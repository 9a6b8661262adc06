package federation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"concord/pkg/room"
	"concord/pkg/types"

	"go.uber.org/zap"
)

// ErrNotParked is returned by Requeue for ids that are not parked.
var ErrNotParked = errors.New("event is not parked")

// PendingEvent is a deferred event whose ancestors could not be fetched
// within the retry budget. It stays parked until requeued or until its
// ancestors arrive some other way.
type PendingEvent struct {
	EventID   types.EventID
	RoomID    types.RoomID
	Origin    types.ServerName
	Missing   []types.EventID
	Attempts  int
	LastError string
	ParkedAt  time.Time

	task *backfillTask
}

type backfillTask struct {
	origin   types.ServerName
	event    *types.Event
	missing  []types.EventID
	attempts int
	next     time.Time
	lastErr  error
}

// BackfillScheduler fetches the missing ancestors of deferred events from
// the server that sent them, retrying with exponential backoff.
type BackfillScheduler struct {
	proc      *Processor
	transport Transport
	cfg       Config
	metrics   *Metrics
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.Mutex
	tasks  map[types.EventID]*backfillTask
	parked map[types.EventID]*PendingEvent

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newBackfillScheduler(proc *Processor, transport Transport, cfg Config, metrics *Metrics, logger *zap.Logger) *BackfillScheduler {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	return &BackfillScheduler{
		proc:      proc,
		transport: transport,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		tasks:     make(map[types.EventID]*backfillTask),
		parked:    make(map[types.EventID]*PendingEvent),
	}
}

// Defer schedules a fetch of ev's missing ancestors. Deferring an event that
// is already scheduled or parked only refreshes its missing list.
func (s *BackfillScheduler) Defer(origin types.ServerName, ev *types.Event, missing []types.EventID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := ev.EventID
	if p, ok := s.parked[id]; ok {
		p.Missing = append([]types.EventID(nil), missing...)
		return
	}
	if t, ok := s.tasks[id]; ok {
		t.missing = append([]types.EventID(nil), missing...)
		return
	}
	s.tasks[id] = &backfillTask{
		origin:  origin,
		event:   ev,
		missing: append([]types.EventID(nil), missing...),
		next:    s.now(),
	}
}

// resolved forgets id once it has been stored.
func (s *BackfillScheduler) resolved(id types.EventID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	if _, ok := s.parked[id]; ok {
		delete(s.parked, id)
		s.exportParked()
	}
}

// Pending returns the number of scheduled, not parked, events.
func (s *BackfillScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Parked returns the parked events sorted by id.
func (s *BackfillScheduler) Parked() []PendingEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PendingEvent, 0, len(s.parked))
	for _, p := range s.parked {
		cp := *p
		cp.Missing = append([]types.EventID(nil), p.Missing...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out
}

// Requeue moves a parked event back into the schedule with a fresh retry
// budget.
func (s *BackfillScheduler) Requeue(id types.EventID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requeueLocked(id)
}

// RequeueAll requeues every parked event and returns how many there were.
func (s *BackfillScheduler) RequeueAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id := range s.parked {
		if s.requeueLocked(id) == nil {
			n++
		}
	}
	return n
}

func (s *BackfillScheduler) requeueLocked(id types.EventID) error {
	p, ok := s.parked[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotParked, id)
	}
	t := p.task
	delete(s.parked, id)
	s.exportParked()
	s.tasks[id] = &backfillTask{
		origin:  t.origin,
		event:   t.event,
		missing: append([]types.EventID(nil), p.Missing...),
		next:    s.now(),
	}
	s.logger.Info("Requeued parked event", zap.String("event_id", string(id)))
	return nil
}

// Tick attempts every task that is due and returns how many were attempted.
func (s *BackfillScheduler) Tick(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	var due []*backfillTask
	for _, t := range s.tasks {
		if !t.next.After(now) {
			due = append(due, t)
		}
	}
	s.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].event.EventID < due[j].event.EventID })

	for _, t := range due {
		if ctx.Err() != nil {
			break
		}
		s.attempt(ctx, t)
	}
	return len(due)
}

func (s *BackfillScheduler) attempt(ctx context.Context, t *backfillTask) {
	id := t.event.EventID

	missing, err := s.proc.engine.Store().MissingAncestors(ctx, t.event)
	if err != nil {
		s.fail(t, err)
		return
	}

	if len(missing) > 0 {
		if s.metrics != nil {
			s.metrics.BackfillRequests.Inc()
		}
		reqCtx, cancel := s.cfg.requestContext(ctx)
		events, err := s.transport.Backfill(reqCtx, t.origin, BackfillRequest{
			RoomID: t.event.RoomID,
			From:   missing,
			Limit:  s.cfg.BackfillLimit,
		})
		err = wrapTimeout(reqCtx, err)
		cancel()
		if err != nil {
			if s.metrics != nil {
				s.metrics.BackfillFailures.Inc()
			}
			s.fail(t, err)
			return
		}

		for _, ev := range events {
			if ev == nil || ev.RoomID != t.event.RoomID {
				continue
			}
			if _, _, err := s.proc.admit(ctx, t.origin, ev); err != nil {
				s.fail(t, err)
				return
			}
		}
	}

	out, _, err := s.proc.admit(ctx, t.origin, t.event)
	if err != nil {
		s.fail(t, err)
		return
	}
	if out.Status == room.StatusDeferred {
		s.fail(t, fmt.Errorf("still missing %d ancestors", len(out.Missing)))
		return
	}
	if !out.Stored {
		// Refused outright; there is nothing left to fetch.
		s.mu.Lock()
		delete(s.tasks, id)
		s.mu.Unlock()
	}
	s.logger.Debug("Deferred event admitted",
		zap.String("event_id", string(id)),
		zap.Stringer("status", out.Status))
}

// fail records a failed attempt, rescheduling or parking the task.
func (s *BackfillScheduler) fail(t *backfillTask, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := t.event.EventID
	if _, ok := s.tasks[id]; !ok {
		// Stored meanwhile.
		return
	}
	t.attempts++
	t.lastErr = err

	if !IsRetryable(err) || t.attempts >= s.cfg.RetryAttempts {
		delete(s.tasks, id)
		s.parked[id] = &PendingEvent{
			EventID:   id,
			RoomID:    t.event.RoomID,
			Origin:    t.origin,
			Missing:   append([]types.EventID(nil), t.missing...),
			Attempts:  t.attempts,
			LastError: err.Error(),
			ParkedAt:  s.now(),
			task:      t,
		}
		s.exportParked()
		s.logger.Warn("Parked deferred event",
			zap.String("event_id", string(id)),
			zap.String("origin", string(t.origin)),
			zap.Int("attempts", t.attempts),
			zap.Error(err))
		return
	}

	t.next = s.now().Add(s.cfg.Backoff.Delay(t.attempts - 1))
	if s.metrics != nil {
		s.metrics.RetryAttempts.Inc()
	}
	s.logger.Debug("Backfill failed, retrying",
		zap.String("event_id", string(id)),
		zap.String("origin", string(t.origin)),
		zap.Int("attempt", t.attempts),
		zap.Time("next", t.next),
		zap.Error(err))
}

func (s *BackfillScheduler) exportParked() {
	if s.metrics != nil {
		s.metrics.Parked.Set(float64(len(s.parked)))
	}
}

// Start runs Tick every SweepInterval until Stop is called.
func (s *BackfillScheduler) Start(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Second
	}

	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.Tick(ctx)
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to exit.
func (s *BackfillScheduler) Stop() {
	s.mu.Lock()
	stopCh := s.stopCh
	s.stopCh = nil
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	s.wg.Wait()
}
