// Package supervisor owns the full lifecycle of the link bridge and the
// three role-processes for one run: ordered startup with settle delays,
// per-process output monitoring, crash handling, and convergence to a
// safe terminal state on every exit path.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/skybeam/groundstation/internal/config"
	"github.com/skybeam/groundstation/internal/debug"
	"github.com/skybeam/groundstation/internal/decode"
	"github.com/skybeam/groundstation/internal/linkbridge"
	"github.com/skybeam/groundstation/internal/proc"
	"github.com/skybeam/groundstation/internal/statestore"
)

// ErrAlreadyRunning rejects a start while a run is active.
var ErrAlreadyRunning = errors.New("supervisor: a run is already active")

const (
	// stopGraceTimeout bounds the wait between group SIGTERM and the
	// SIGKILL escalation.
	stopGraceTimeout = 5 * time.Second
	// staleSettleDelay lets the OS release ports and link files after a
	// stale process from a previous crash was terminated.
	staleSettleDelay = 1500 * time.Millisecond
	// landSettleDelay gives an emergency landing time to complete before
	// the remaining processes are torn down.
	landSettleDelay = 5 * time.Second
	// sweepSettleDelay precedes the final pattern-kill sweep so cleanly
	// exiting processes do not get force-killed mid-shutdown.
	sweepSettleDelay = 500 * time.Millisecond
)

// role start order; stops run in reverse.
var startOrder = []string{"relay", "air", "ground"}

// Supervisor orchestrates the bridge and role-processes against a
// single shared state store. All dependencies are injected so the
// sequencing logic runs unchanged against fake processes in tests.
type Supervisor struct {
	cfg    config.Config
	store  *statestore.Store
	start  proc.Starter
	bridge linkbridge.Bridge
	drone  DroneController
	now    func() time.Time

	mu           sync.Mutex
	slots        map[string]proc.Handle
	decoders     map[string]*decode.Decoder
	sessionID    string
	shuttingDown bool

	stopMu   sync.Mutex // serializes stop sequences
	monitors sync.WaitGroup
}

// New wires a supervisor. A nil starter uses real OS processes; a nil
// drone controller gets the no-op implementation.
func New(cfg config.Config, store *statestore.Store, bridge linkbridge.Bridge, starter proc.Starter, drone DroneController) *Supervisor {
	if starter == nil {
		starter = proc.Start
	}
	if drone == nil {
		drone = NoopController{}
	}
	s := &Supervisor{
		cfg:    cfg,
		store:  store,
		start:  starter,
		bridge: bridge,
		drone:  drone,
		now:    time.Now,
		slots:  make(map[string]proc.Handle),
		decoders: map[string]*decode.Decoder{
			"ground": decode.NewGround(store),
			"air":    decode.NewAir(store),
			"relay":  decode.NewRelay(store),
		},
	}
	drone.SetStatusFunc(s.handleDroneStatus)
	return s
}

// Running reports whether any role-process is currently alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.slots {
		if h != nil && !h.Exited() {
			return true
		}
	}
	return false
}

// SessionID returns the id of the current (or most recent) run.
func (s *Supervisor) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// ProcessPIDs returns the PID of each live role-process, nil for slots
// that are empty or exited.
func (s *Supervisor) ProcessPIDs() map[string]*int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*int, len(startOrder)+1)
	for _, name := range startOrder {
		if h := s.slots[name]; h != nil && !h.Exited() {
			pid := h.PID()
			out[name] = &pid
		} else {
			out[name] = nil
		}
	}
	// The link bridge is part of the run too; pid 0 means it is down or
	// runs in-process.
	if pid := s.bridge.PID(); s.bridge.Running() && pid > 0 {
		out["link"] = &pid
	} else {
		out["link"] = nil
	}
	return out
}

// StartAll starts a complete run: stale cleanup, fresh session, bridge,
// then relay, air, ground with settle delays between them. Any failure
// rolls the whole sequence back and is returned to the caller.
func (s *Supervisor) StartAll(ctx context.Context, params RampParams) (string, error) {
	if err := params.Validate(s.cfg.Limits); err != nil {
		return "", fmt.Errorf("supervisor: invalid ramp parameters: %w", err)
	}
	if s.Running() {
		return "", ErrAlreadyRunning
	}
	// A run may only begin from an idle state; STOPPING in particular
	// means a teardown still owns the process table.
	switch st := s.store.Status(); st {
	case statestore.StatusDisconnected, statestore.StatusReady, statestore.StatusSafe:
	default:
		return "", fmt.Errorf("supervisor: cannot start while %s", st)
	}

	s.sweepStale(ctx)

	sessionID := s.now().UTC().Format("20060102_150405")
	s.mu.Lock()
	s.sessionID = sessionID
	s.mu.Unlock()

	s.store.StartSession(sessionID, params.Scenario, params.asMap())
	s.store.SetStatus(statestore.StatusConnecting)

	if err := s.startSequence(ctx, params, sessionID); err != nil {
		s.store.AddEvent(statestore.LevelError, "server", "START_FAIL",
			fmt.Sprintf("Run start failed: %v", err))
		s.stopAll(ctx, statestore.StatusReady)
		return "", fmt.Errorf("supervisor: start run: %w", err)
	}

	s.store.SetStatus(statestore.StatusRamping)
	return sessionID, nil
}

func (s *Supervisor) startSequence(ctx context.Context, params RampParams, sessionID string) error {
	// Flight-controller connect is best-effort: GPS-derived fields are
	// enrichment, not required for the run.
	s.store.AddEvent(statestore.LevelInfo, "supervisor", "PX4_CONNECTING", "Connecting to flight controller")
	if err := s.drone.Connect(); err != nil {
		s.store.AddEvent(statestore.LevelWarn, "supervisor", "PX4_CONNECT_FAIL",
			fmt.Sprintf("Flight controller connection failed: %v", err))
	} else {
		s.store.AddEvent(statestore.LevelInfo, "supervisor", "PX4_CONNECTED",
			"Flight controller connected, telemetry streaming")
	}

	if err := s.bridge.EnsureStarted(); err != nil {
		s.store.AddEvent(statestore.LevelError, "server", "LINK_START_FAIL", err.Error())
		return err
	}
	s.store.AddEvent(statestore.LevelInfo, "server", "LINK_START", "Virtual serial link up")

	// Start order matters: the relay must be forwarding before the air
	// gate attaches, and the gate must be listening before the ground
	// controller sends its first permit. The settle delays are a timing
	// heuristic, not a readiness handshake.
	if err := s.startRole(ctx, "relay", s.cfg.Roles.Relay, s.relayEnv()); err != nil {
		return err
	}
	if err := sleepCtx(ctx, s.cfg.Settle.Relay.D()); err != nil {
		return err
	}
	if err := s.startRole(ctx, "air", s.cfg.Roles.Air, s.airEnv()); err != nil {
		return err
	}
	if err := sleepCtx(ctx, s.cfg.Settle.Air.D()); err != nil {
		return err
	}
	if err := s.startRole(ctx, "ground", s.cfg.Roles.Ground, s.groundEnv(params, sessionID)); err != nil {
		return err
	}
	return sleepCtx(ctx, s.cfg.Settle.Ground.D())
}

func (s *Supervisor) startRole(ctx context.Context, name, path string, env map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := s.start(proc.Command{Path: path, Env: env})
	if err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}

	s.mu.Lock()
	s.slots[name] = h
	s.mu.Unlock()

	s.store.AddEvent(statestore.LevelInfo, name, "PROCESS_START",
		fmt.Sprintf("%s started (PID %d)", name, h.PID()))

	s.monitors.Add(1)
	go s.monitor(name, h)
	return nil
}

// monitor drains one process's combined output, feeds the role decoder,
// and handles the exit. Runs until the stream closes.
func (s *Supervisor) monitor(name string, h proc.Handle) {
	defer s.monitors.Done()

	dec := s.decoders[name]
	sc := bufio.NewScanner(h.Output())
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		debug.LogKV("supervisor", "process output", "role", name, "line", line)
		s.decodeLine(name, dec, line)
	}

	<-h.Done()
	code := h.ExitCode()
	s.clearSlot(name, h)

	if code == 0 {
		s.store.AddEvent(statestore.LevelInfo, name, "PROCESS_EXIT",
			fmt.Sprintf("%s exited normally", name))
		return
	}

	s.store.AddEvent(statestore.LevelError, name, "PROCESS_CRASH",
		fmt.Sprintf("%s crashed with exit code %d", name, code))

	// A ground exit outside an operator-requested stop means the run
	// ended without supervision consent: land, tear down, and hold in
	// SAFE until an operator re-confirms readiness.
	if name == "ground" && s.beginShutdown() {
		go s.emergencyStop()
	}
}

// decodeLine isolates the decoder behind a recover so a parsing bug can
// never take the monitor loop down with it.
func (s *Supervisor) decodeLine(name string, dec *decode.Decoder, line string) {
	defer func() {
		if r := recover(); r != nil {
			s.store.AddEvent(statestore.LevelWarn, "server", "PARSE_ERROR",
				fmt.Sprintf("Failed to parse %s line: %v", name, r))
		}
	}()
	dec.HandleLine(line)
}

// emergencyStop is the unplanned-termination path: one landing attempt,
// a settle period, then a full teardown ending in SAFE.
func (s *Supervisor) emergencyStop() {
	s.store.AddEvent(statestore.LevelInfo, "server", "AUTO_LAND",
		"Ground terminated unexpectedly, initiating landing sequence")
	if err := s.drone.Land(); err != nil {
		// Logged but never blocks the teardown.
		s.store.AddEvent(statestore.LevelError, "server", "LAND_FAILED",
			fmt.Sprintf("Failed to land drone: %v", err))
	} else {
		time.Sleep(landSettleDelay)
	}
	s.stopAll(context.Background(), statestore.StatusSafe)
}

// StopAll performs the operator-requested shutdown sequence, ending in
// READY. Safe to call at any time, including when nothing is running.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.beginShutdown()
	s.stopAll(ctx, statestore.StatusReady)
}

func (s *Supervisor) stopAll(ctx context.Context, terminal statestore.Status) {
	// First statement, unconditionally: any teardown in flight means a
	// nonzero exit is expected, so the crash handler must not treat the
	// processes this sequence terminates as an emergency.
	s.mu.Lock()
	s.shuttingDown = true
	s.mu.Unlock()

	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	defer s.endShutdown()

	s.store.SetStatus(statestore.StatusStopping)

	// Leaving offboard mode must happen before the processes die or the
	// flight controller refuses the next run.
	if err := s.drone.StopOffboard(); err != nil {
		s.store.AddEvent(statestore.LevelWarn, "supervisor", "PX4_OFFBOARD_STOP_FAIL",
			fmt.Sprintf("Failed to stop offboard mode: %v", err))
	} else {
		s.store.AddEvent(statestore.LevelInfo, "supervisor", "PX4_OFFBOARD_STOP",
			"Offboard mode stopped")
	}

	// Reverse start order.
	for i := len(startOrder) - 1; i >= 0; i-- {
		s.stopProcess(startOrder[i])
	}
	s.bridge.Stop()

	// Killing the processes closes their output streams, which ends
	// every monitor; wait for them so no crash handler fires late.
	s.monitors.Wait()

	time.Sleep(sweepSettleDelay)
	for _, pattern := range s.cfg.RolePatterns() {
		proc.KillByPattern(ctx, pattern)
	}

	s.store.SetStatus(terminal)
}

// stopProcess terminates one role's process group: group SIGTERM, a
// bounded wait, then group SIGKILL if it refuses to die.
func (s *Supervisor) stopProcess(name string) {
	s.mu.Lock()
	h := s.slots[name]
	s.mu.Unlock()
	if h == nil {
		return
	}
	if h.Exited() {
		s.clearSlot(name, h)
		return
	}

	if err := h.Terminate(); err != nil {
		s.store.AddEvent(statestore.LevelError, "server", "STOP_ERROR",
			fmt.Sprintf("Error stopping %s: %v", name, err))
	}
	if proc.WaitExit(h, stopGraceTimeout) {
		s.store.AddEvent(statestore.LevelInfo, name, "PROCESS_STOP",
			fmt.Sprintf("%s stopped gracefully", name))
	} else {
		if err := h.Kill(); err != nil {
			s.store.AddEvent(statestore.LevelError, "server", "STOP_ERROR",
				fmt.Sprintf("Error killing %s: %v", name, err))
		}
		s.store.AddEvent(statestore.LevelWarn, name, "PROCESS_KILL",
			fmt.Sprintf("%s force killed (did not respond to SIGTERM)", name))
	}
	s.clearSlot(name, h)
}

// clearSlot empties a role slot, but only if it still holds the given
// handle; a restarted role must not be cleared by its predecessor's
// monitor.
func (s *Supervisor) clearSlot(name string, h proc.Handle) {
	s.mu.Lock()
	if s.slots[name] == h {
		s.slots[name] = nil
	}
	s.mu.Unlock()
}

// sweepStale terminates leftover role-processes from a previous crash
// and, if any were found, waits for the OS to release their ports.
func (s *Supervisor) sweepStale(ctx context.Context) {
	killedAny := false
	for _, pattern := range s.cfg.RolePatterns() {
		for _, pid := range proc.FindByPattern(ctx, pattern) {
			if err := proc.TerminatePID(pid); err != nil {
				debug.LogKV("supervisor", "stale terminate failed", "pid", pid, "err", err)
				continue
			}
			killedAny = true
			s.store.AddEvent(statestore.LevelInfo, "supervisor", "CLEANUP",
				fmt.Sprintf("Killed stale process: %s (PID %d)", pattern, pid))
		}
	}
	if killedAny {
		time.Sleep(staleSettleDelay)
	}
}

func (s *Supervisor) beginShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return false
	}
	s.shuttingDown = true
	return true
}

func (s *Supervisor) endShutdown() {
	s.mu.Lock()
	s.shuttingDown = false
	s.mu.Unlock()
}

// StartOffboard forwards an offboard-motion request to the flight
// controller, logging the outcome.
func (s *Supervisor) StartOffboard(scenario string) error {
	if err := s.drone.StartOffboard(scenario); err != nil {
		s.store.AddEvent(statestore.LevelError, "supervisor", "PX4_OFFBOARD_FAIL",
			fmt.Sprintf("Failed to start offboard scenario %s: %v", scenario, err))
		return err
	}
	s.store.AddEvent(statestore.LevelInfo, "supervisor", "PX4_OFFBOARD_START",
		fmt.Sprintf("Offboard scenario %s started", scenario))
	return nil
}

func (s *Supervisor) commonEnv() map[string]string {
	return map[string]string{
		"MAVLINK20":        "1",
		"MAVLINK_DIALECT":  "laser_safety",
		"PYTHONUNBUFFERED": "1",
	}
}

func (s *Supervisor) relayEnv() map[string]string {
	env := s.commonEnv()
	env["RELAY_UDP_IN"] = s.cfg.Endpoints.RelayUDPIn
	env["RELAY_UDP_OUT"] = s.cfg.Endpoints.RelayUDPOut
	// Relay attaches to the TX end of the virtual pair.
	env["RELAY_SERIAL"] = serialEndpoint(s.cfg.Link.TXPath, s.cfg.Link.Baud)
	env["DRILL_LOSS_PCT"] = formatFloat(s.cfg.Drill.LossPct)
	env["DRILL_DELAY_MS"] = strconv.Itoa(s.cfg.Drill.DelayMS)
	env["DRILL_JITTER_MS"] = strconv.Itoa(s.cfg.Drill.JitterMS)
	return env
}

func (s *Supervisor) airEnv() map[string]string {
	env := s.commonEnv()
	env["USE_PX4"] = "1"
	env["PX4_TX_PORT"] = strconv.Itoa(s.cfg.Endpoints.PX4TXPort)
	env["PX4_RX_PORT"] = strconv.Itoa(s.cfg.Endpoints.PX4RXPort)
	env["SIM_SEED"] = strconv.Itoa(s.cfg.SimSeed)
	// Air attaches to the RX end of the virtual pair.
	env["ELRS_SERIAL"] = serialEndpoint(s.cfg.Link.RXPath, s.cfg.Link.Baud)
	return env
}

func (s *Supervisor) groundEnv(params RampParams, sessionID string) map[string]string {
	env := s.commonEnv()
	env["MIN_POWER_PCT"] = formatFloat(params.MinPowerPct)
	env["MAX_POWER_PCT"] = formatFloat(params.MaxPowerPct)
	env["STEP_PCT"] = formatFloat(params.StepPct)
	env["DWELL_TIME_S"] = formatFloat(params.DwellTimeS)
	env["MAX_POWER_W"] = formatFloat(params.MaxPowerW)
	env["SCENARIO_NAME"] = params.Scenario
	env["EXPERIMENT_NAME"] = sessionID
	env["PERMIT_SEND_HZ"] = formatFloat(params.SendHz)
	env["PERMIT_TTL_MS"] = strconv.Itoa(params.TTLMS)
	env["PERMIT_DUPLICATE"] = strconv.FormatBool(params.Duplicate)
	env["SIM_SEED"] = strconv.Itoa(s.cfg.SimSeed)
	return env
}

func serialEndpoint(path string, baud int) string {
	return fmt.Sprintf("%s,%d", path, baud)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
