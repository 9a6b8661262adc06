package federation

import (
	"sort"
	"sync"
	"time"

	"concord/pkg/types"

	"go.uber.org/zap"
)

// PeerStatus represents the health status of a destination
type PeerStatus int

const (
	PeerUnknown PeerStatus = iota
	PeerAlive
	PeerSuspected
	PeerDead
)

func (s PeerStatus) String() string {
	switch s {
	case PeerAlive:
		return "alive"
	case PeerSuspected:
		return "suspected"
	case PeerDead:
		return "dead"
	default:
		return "unknown"
	}
}

// PeerState is what the tracker knows about one destination.
type PeerState struct {
	Server      types.ServerName
	Status      PeerStatus
	LastSeen    time.Time
	LastAttempt time.Time
	Failures    int
}

// PeerTracker is a failure detector for federation destinations. Peers
// become suspected after a few consecutive failures and dead after more;
// dead peers are only retried once per retry interval until they answer.
type PeerTracker struct {
	mu    sync.RWMutex
	peers map[types.ServerName]*PeerState

	suspectAfter int
	deadAfter    int
	retryDead    time.Duration

	onDead func(types.ServerName)
	now    func() time.Time
	logger *zap.Logger
}

// NewPeerTracker creates a tracker with the given thresholds.
func NewPeerTracker(suspectAfter, deadAfter int, retryDead time.Duration, logger *zap.Logger) *PeerTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if suspectAfter <= 0 {
		suspectAfter = 2
	}
	if deadAfter <= suspectAfter {
		deadAfter = suspectAfter * 2
	}
	if retryDead <= 0 {
		retryDead = time.Minute
	}
	return &PeerTracker{
		peers:        make(map[types.ServerName]*PeerState),
		suspectAfter: suspectAfter,
		deadAfter:    deadAfter,
		retryDead:    retryDead,
		now:          time.Now,
		logger:       logger,
	}
}

// OnDead registers a callback run when a peer is declared dead.
func (pt *PeerTracker) OnDead(fn func(types.ServerName)) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.onDead = fn
}

func (pt *PeerTracker) peer(server types.ServerName) *PeerState {
	p, ok := pt.peers[server]
	if !ok {
		p = &PeerState{Server: server}
		pt.peers[server] = p
	}
	return p
}

// RecordSuccess marks the peer alive. Inbound traffic counts as a sighting
// too.
func (pt *PeerTracker) RecordSuccess(server types.ServerName) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	p := pt.peer(server)
	if p.Status == PeerDead || p.Status == PeerSuspected {
		pt.logger.Info("Peer recovered",
			zap.String("server", string(server)),
			zap.Stringer("was", p.Status))
	}
	p.Status = PeerAlive
	p.Failures = 0
	p.LastSeen = pt.now()
}

// RecordFailure counts a failed attempt and updates the peer's status.
func (pt *PeerTracker) RecordFailure(server types.ServerName) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	p := pt.peer(server)
	p.Failures++
	p.LastAttempt = pt.now()

	// Check dead threshold first, then suspect
	switch {
	case p.Failures >= pt.deadAfter:
		if p.Status != PeerDead {
			p.Status = PeerDead
			pt.logger.Warn("Peer marked dead",
				zap.String("server", string(server)),
				zap.Int("failures", p.Failures))
			if pt.onDead != nil {
				go pt.onDead(server)
			}
		}
	case p.Failures >= pt.suspectAfter:
		if p.Status != PeerSuspected {
			p.Status = PeerSuspected
			pt.logger.Debug("Peer suspected",
				zap.String("server", string(server)),
				zap.Int("failures", p.Failures))
		}
	}
}

// ShouldAttempt reports whether a request to server should be made now.
func (pt *PeerTracker) ShouldAttempt(server types.ServerName) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	p, ok := pt.peers[server]
	if !ok || p.Status != PeerDead {
		return true
	}
	if pt.now().Sub(p.LastAttempt) < pt.retryDead {
		return false
	}
	// Let one probe through per interval.
	p.LastAttempt = pt.now()
	return true
}

// Status returns the current status of server.
func (pt *PeerTracker) Status(server types.ServerName) PeerStatus {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	if p, ok := pt.peers[server]; ok {
		return p.Status
	}
	return PeerUnknown
}

// Peers returns a snapshot of every tracked peer, sorted by name.
func (pt *PeerTracker) Peers() []PeerState {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	out := make([]PeerState, 0, len(pt.peers))
	for _, p := range pt.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Server < out[j].Server })
	return out
}

// Export publishes per-status peer counts to m.
func (pt *PeerTracker) Export(m *Metrics) {
	if m == nil {
		return
	}
	counts := map[PeerStatus]int{}
	for _, p := range pt.Peers() {
		counts[p.Status]++
	}
	for _, s := range []PeerStatus{PeerUnknown, PeerAlive, PeerSuspected, PeerDead} {
		m.Peers.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}
