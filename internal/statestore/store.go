// Package statestore holds the single mutable view of a run: merged
// telemetry, bounded event logs, RTT statistics, session identity, and
// the system status. Every mutation goes through one mutex; decoders,
// process monitors, and transport readers never touch the fields
// directly.
package statestore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/skybeam/groundstation/internal/debug"
)

// Status is the single process-wide lifecycle state.
type Status string

const (
	StatusDisconnected Status = "DISCONNECTED"
	StatusConnecting   Status = "CONNECTING"
	StatusReady        Status = "READY"
	StatusRamping      Status = "RAMPING"
	StatusStopping     Status = "STOPPING"
	StatusSafe         Status = "SAFE"
)

// Event severity levels.
const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Event is one entry in the append-only event log.
type Event struct {
	TS      int64  `json:"ts"` // unix milliseconds
	Level   string `json:"level"`
	Source  string `json:"src"`
	Code    string `json:"code"`
	Message string `json:"msg"`
}

// Broadcast is the payload handed to the transport-layer hook for every
// appended event.
type Broadcast struct {
	Type  string `json:"type"`
	Event Event  `json:"event"`
}

// BroadcastFunc receives event broadcasts. It is always invoked outside
// the store's critical section, and any panic it raises is swallowed: a
// misbehaving subscriber must never stall or crash state mutation.
type BroadcastFunc func(Broadcast)

// Session identifies one experimental run.
type Session struct {
	ID        string
	Scenario  string
	Params    map[string]string
	StartedAt time.Time
}

const (
	maxEventMessageLen = 200
	eventBufferSize    = 500
	errorBufferSize    = 50
	rttBufferSize      = 100
	rttMinSamples      = 10
)

// Store is the shared state store. The zero value is not usable; call New.
type Store struct {
	mu sync.Mutex

	status        Status
	telemetry     Telemetry
	lastTelemetry time.Time
	session       Session

	events *ring[Event]
	errors *ring[Event]
	rtt    *ring[float64]

	broadcastMu sync.RWMutex
	broadcast   BroadcastFunc

	now func() time.Time
}

// New returns a store in the DISCONNECTED state with empty buffers.
func New() *Store {
	return &Store{
		status: StatusDisconnected,
		events: newRing[Event](eventBufferSize),
		errors: newRing[Event](errorBufferSize),
		rtt:    newRing[float64](rttBufferSize),
		now:    time.Now,
	}
}

// SetBroadcast installs the transport-layer broadcast hook. A nil hook
// disables broadcasting.
func (s *Store) SetBroadcast(fn BroadcastFunc) {
	s.broadcastMu.Lock()
	s.broadcast = fn
	s.broadcastMu.Unlock()
}

// UpdateTelemetry atomically merges u into the current snapshot and
// stamps the last-telemetry time. A positive RTT sample in the update is
// also appended to the RTT ring.
func (s *Store) UpdateTelemetry(u Update) {
	s.mu.Lock()
	s.telemetry.apply(u)
	s.lastTelemetry = s.now()
	if u.RTTMs != nil && *u.RTTMs > 0 {
		s.rtt.Append(*u.RTTMs)
	}
	s.mu.Unlock()
}

// TelemetrySnapshot returns an independent copy of the current merged
// telemetry. The copy never mixes values from two different merges.
func (s *Store) TelemetrySnapshot() Telemetry {
	s.mu.Lock()
	t := s.telemetry
	s.mu.Unlock()
	// Optional fields are replaced wholesale by apply(), never mutated
	// in place, so a shallow copy is already independent.
	return t
}

// LastTelemetryAt returns the arrival time of the most recent merge, or
// the zero time if none has arrived.
func (s *Store) LastTelemetryAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTelemetry
}

// AddEvent appends an event to the log (and to the error log for
// WARN/ERROR), then notifies the broadcast hook outside the lock.
func (s *Store) AddEvent(level, source, code, message string) {
	// Truncate by runes, not bytes: messages carry degree signs and
	// similar multibyte characters that must not be split mid-sequence.
	if r := []rune(message); len(r) > maxEventMessageLen {
		message = string(r[:maxEventMessageLen])
	}
	ev := Event{
		TS:      s.nowMillis(),
		Level:   level,
		Source:  source,
		Code:    code,
		Message: message,
	}

	s.mu.Lock()
	s.events.Append(ev)
	if level == LevelWarn || level == LevelError {
		s.errors.Append(ev)
	}
	s.mu.Unlock()

	s.notify(ev)
}

func (s *Store) notify(ev Event) {
	s.broadcastMu.RLock()
	fn := s.broadcast
	s.broadcastMu.RUnlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			debug.LogKV("statestore", "broadcast hook panicked", "panic", r)
		}
	}()
	fn(Broadcast{Type: "event", Event: ev})
}

// RecentEvents returns the most recent count events, oldest first.
func (s *Store) RecentEvents(count int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events.Tail(count)
}

// RecentErrors returns the most recent count WARN/ERROR events, oldest
// first.
func (s *Store) RecentErrors(count int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errors.Tail(count)
}

// Status returns the current system status.
func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus swaps the status and emits a STATUS_CHANGE event carrying
// the old and new values.
func (s *Store) SetStatus(next Status) {
	s.mu.Lock()
	old := s.status
	s.status = next
	s.mu.Unlock()

	s.AddEvent(LevelInfo, "server", "STATUS_CHANGE",
		fmt.Sprintf("Status changed from %s to %s", old, next))
}

// RTTPercentiles returns the 95th and 99th percentile of the buffered
// RTT samples using linear interpolation between closest ranks. With
// fewer than ten samples both results are zero: too little data for the
// estimate to mean anything.
func (s *Store) RTTPercentiles() (p95, p99 float64) {
	s.mu.Lock()
	samples := s.rtt.Snapshot()
	s.mu.Unlock()

	if len(samples) < rttMinSamples {
		return 0, 0
	}
	sort.Float64s(samples)
	return percentile(samples, 95), percentile(samples, 99)
}

// percentile computes the p-th percentile of sorted with linear
// interpolation between closest ranks (the numpy default).
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(rank)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// StartSession replaces the session record and resets telemetry, event
// logs, and RTT samples. This is the hard reset boundary between runs.
func (s *Store) StartSession(id, scenario string, params map[string]string) {
	s.mu.Lock()
	s.session = Session{
		ID:        id,
		Scenario:  scenario,
		Params:    params,
		StartedAt: s.now(),
	}
	s.telemetry = Telemetry{}
	s.lastTelemetry = time.Time{}
	s.events.Clear()
	s.errors.Clear()
	s.rtt.Clear()
	s.mu.Unlock()
}

// SessionID returns the current session id, or "" when no run has started.
func (s *Store) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.ID
}

// CurrentSession returns a copy of the active session record, or nil
// when no run has started.
func (s *Store) CurrentSession() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session.ID == "" {
		return nil
	}
	sess := s.session
	return &sess
}

// Scenario returns the current session's scenario name.
func (s *Store) Scenario() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Scenario
}

// SessionDuration returns how long the current session has been running,
// or zero when no session is active.
func (s *Store) SessionDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session.StartedAt.IsZero() {
		return 0
	}
	return s.now().Sub(s.session.StartedAt)
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}
