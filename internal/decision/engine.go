package decision

import (
	"time"
)

// State is where an identity sits in the commit cycle.
type State int

const (
	Idle State = iota
	Observing
	Pending
	Committed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Observing:
		return "observing"
	case Pending:
		return "pending"
	case Committed:
		return "committed"
	default:
		return "unknown"
	}
}

// Policy holds the commit thresholds.
type Policy struct {
	HighConfidence      float64
	ConfidenceThreshold float64
	Cooldown            time.Duration
	HistorySize         int
	// CooldownGatesFastPath makes the cooldown apply to high-confidence
	// observations too. When false, a high-confidence sighting commits even
	// inside the cooldown window.
	CooldownGatesFastPath bool
}

// DefaultPolicy is 0.7 fast path, 0.6 smoothed threshold over 3 cycles, 2s cooldown.
func DefaultPolicy() Policy {
	return Policy{
		HighConfidence:        0.7,
		ConfidenceThreshold:   0.6,
		Cooldown:              2 * time.Second,
		HistorySize:           3,
		CooldownGatesFastPath: true,
	}
}

type track struct {
	history         *ring
	lastCommittedAt time.Time
	pending         bool
}

// Engine decides, per identity, whether an observation should become an
// attendance event. It is confined to the recognition loop goroutine.
type Engine struct {
	policy Policy
	tracks map[string]*track
}

// NewEngine returns an engine with no tracked identities.
func NewEngine(p Policy) *Engine {
	if p.HistorySize < 1 {
		p.HistorySize = 1
	}
	return &Engine{policy: p, tracks: make(map[string]*track)}
}

// Policy returns the active policy.
func (e *Engine) Policy() Policy { return e.policy }

func (e *Engine) track(id string) *track {
	t, ok := e.tracks[id]
	if !ok {
		t = &track{history: newRing(e.policy.HistorySize)}
		e.tracks[id] = t
	}
	return t
}

func (e *Engine) inCooldown(t *track, now time.Time) bool {
	return !t.lastCommittedAt.IsZero() && now.Sub(t.lastCommittedAt) < e.policy.Cooldown
}

// ShouldCommit records an observation of id with the given similarity and
// reports whether it should be committed now. A true result marks the
// identity pending; the caller must follow up with Committed or Failed.
func (e *Engine) ShouldCommit(id string, similarity float64, now time.Time) bool {
	t := e.track(id)
	if t.pending {
		return false
	}

	cooling := e.inCooldown(t, now)
	if similarity >= e.policy.HighConfidence && (!cooling || !e.policy.CooldownGatesFastPath) {
		t.pending = true
		return true
	}
	if cooling {
		return false
	}

	t.history.push(similarity)
	if !t.history.full() {
		return false
	}
	if t.history.mean() >= e.policy.ConfidenceThreshold {
		t.pending = true
		return true
	}
	return false
}

// Committed records a successful write: the history is cleared and the
// cooldown starts at at.
func (e *Engine) Committed(id string, at time.Time) {
	t := e.track(id)
	t.pending = false
	t.history.reset()
	t.lastCommittedAt = at
}

// Failed records a failed write. No cooldown is applied so the next
// qualifying observation retries.
func (e *Engine) Failed(id string) {
	if t, ok := e.tracks[id]; ok {
		t.pending = false
	}
}

// State reports where id currently sits.
func (e *Engine) State(id string, now time.Time) State {
	t, ok := e.tracks[id]
	if !ok {
		return Idle
	}
	switch {
	case t.pending:
		return Pending
	case e.inCooldown(t, now):
		return Committed
	case t.history.len() > 0:
		return Observing
	default:
		return Idle
	}
}

// ActiveCooldowns counts identities still inside their cooldown window.
func (e *Engine) ActiveCooldowns(now time.Time) int {
	n := 0
	for _, t := range e.tracks {
		if e.inCooldown(t, now) {
			n++
		}
	}
	return n
}

// SetCooldown changes the cooldown for subsequent decisions.
func (e *Engine) SetCooldown(d time.Duration) {
	e.policy.Cooldown = d
}

// Forget drops all state for id.
func (e *Engine) Forget(id string) {
	delete(e.tracks, id)
}

// Reset drops all tracked identities. Pending writes still resolve through
// Committed or Failed, which recreate the track as needed.
func (e *Engine) Reset() {
	e.tracks = make(map[string]*track)
}

// Len is the number of tracked identities.
func (e *Engine) Len() int { return len(e.tracks) }
