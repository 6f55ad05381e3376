package supervisor

import (
	"encoding/json"

	"github.com/skybeam/groundstation/internal/statestore"
)

// DroneController is the external flight-control collaborator. Only its
// lifecycle surface is consumed here; the actual MAVLink plumbing lives
// outside this module.
type DroneController interface {
	Connect() error
	Land() error
	StartOffboard(scenario string) error
	StopOffboard() error
	// SetStatusFunc registers the callback invoked on flight-controller
	// phase changes. Implementations must tolerate a nil func.
	SetStatusFunc(fn func(phase string, fields map[string]string))
}

// NoopController satisfies DroneController without a flight controller
// attached. Used when running link-only drills and in tests.
type NoopController struct{}

func (NoopController) Connect() error                                { return nil }
func (NoopController) Land() error                                   { return nil }
func (NoopController) StartOffboard(string) error                    { return nil }
func (NoopController) StopOffboard() error                           { return nil }
func (NoopController) SetStatusFunc(func(string, map[string]string)) {}

// handleDroneStatus bridges flight-controller phase changes into the
// event log and drives the connect/disconnect status transitions.
func (s *Supervisor) handleDroneStatus(phase string, fields map[string]string) {
	switch phase {
	case "PX4_CONNECTED":
		s.store.SetStatus(statestore.StatusReady)
	case "PX4_DISCONNECTED":
		s.store.SetStatus(statestore.StatusSafe)
	}

	msg := phase
	if len(fields) > 0 {
		if b, err := json.Marshal(fields); err == nil {
			msg = string(b)
		}
	}
	s.store.AddEvent(statestore.LevelInfo, "PX4", phase, msg)
}
