package supervisor

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skybeam/groundstation/internal/config"
	"github.com/skybeam/groundstation/internal/proc"
	"github.com/skybeam/groundstation/internal/statestore"
)

// fakeHandle is an in-memory proc.Handle whose output and exit are
// driven by the test.
type fakeHandle struct {
	pid  int
	pr   *io.PipeReader
	pw   *io.PipeWriter
	done chan struct{}

	mu           sync.Mutex
	exited       bool
	exitCode     int
	terminations int
	kills        int

	// exit code used when Terminate simulates the process dying.
	termExitCode int

	exitOnce sync.Once
}

func newFakeHandle(pid int) *fakeHandle {
	pr, pw := io.Pipe()
	return &fakeHandle{pid: pid, pr: pr, pw: pw, done: make(chan struct{})}
}

func (h *fakeHandle) writeLine(s string) {
	_, _ = h.pw.Write([]byte(s + "\n"))
}

func (h *fakeHandle) exit(code int) {
	h.exitOnce.Do(func() {
		h.mu.Lock()
		h.exited = true
		h.exitCode = code
		h.mu.Unlock()
		close(h.done)
		h.pw.Close()
	})
}

func (h *fakeHandle) PID() int              { return h.pid }
func (h *fakeHandle) Output() io.Reader     { return h.pr }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Exited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

func (h *fakeHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

func (h *fakeHandle) Terminate() error {
	h.mu.Lock()
	h.terminations++
	code := h.termExitCode
	h.mu.Unlock()
	h.exit(code)
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	h.kills++
	h.mu.Unlock()
	h.exit(-1)
	return nil
}

// fakeStarter hands out pre-built handles by executable path and
// records the spawn commands.
type fakeStarter struct {
	mu      sync.Mutex
	handles map[string]*fakeHandle
	cmds    []proc.Command
	failFor string
}

func (f *fakeStarter) start(cmd proc.Command) (proc.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor != "" && cmd.Path == f.failFor {
		return nil, io.ErrUnexpectedEOF
	}
	f.cmds = append(f.cmds, cmd)
	h, ok := f.handles[cmd.Path]
	if !ok {
		h = newFakeHandle(1000 + len(f.cmds))
		f.handles[cmd.Path] = h
	}
	return h, nil
}

func (f *fakeStarter) commandFor(path string) (proc.Command, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.cmds {
		if c.Path == path {
			return c, true
		}
	}
	return proc.Command{}, false
}

type fakeBridge struct {
	mu       sync.Mutex
	running  bool
	startErr error
	stops    int
	pid      int
}

func (b *fakeBridge) EnsureStarted() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.startErr != nil {
		return b.startErr
	}
	b.running = true
	return nil
}

func (b *fakeBridge) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *fakeBridge) PID() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return 0
	}
	return b.pid
}

func (b *fakeBridge) Stop() {
	b.mu.Lock()
	b.running = false
	b.stops++
	b.mu.Unlock()
}

type fakeDrone struct {
	mu            sync.Mutex
	connects      int
	lands         int
	offboardStops int
	landErr       error
	statusFn      func(string, map[string]string)
}

func (d *fakeDrone) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects++
	return nil
}

func (d *fakeDrone) Land() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lands++
	return d.landErr
}

func (d *fakeDrone) StartOffboard(string) error { return nil }

func (d *fakeDrone) StopOffboard() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.offboardStops++
	return nil
}

func (d *fakeDrone) SetStatusFunc(fn func(string, map[string]string)) {
	d.mu.Lock()
	d.statusFn = fn
	d.mu.Unlock()
}

func (d *fakeDrone) landCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lands
}

func testConfig() config.Config {
	cfg := config.Default()
	// Unique fake names keep the pgrep/pkill sweeps from touching
	// anything real on the test host.
	cfg.Roles.Ground = "/nonexistent/gs-test-ground-f3a9"
	cfg.Roles.Air = "/nonexistent/gs-test-air-f3a9"
	cfg.Roles.Relay = "/nonexistent/gs-test-relay-f3a9"
	cfg.Settle.Relay = 0
	cfg.Settle.Air = 0
	cfg.Settle.Ground = 0
	return cfg
}

func testSupervisor(t *testing.T) (*Supervisor, *statestore.Store, *fakeStarter, *fakeBridge, *fakeDrone) {
	t.Helper()
	cfg := testConfig()
	store := statestore.New()
	starter := &fakeStarter{handles: make(map[string]*fakeHandle)}
	bridge := &fakeBridge{}
	drone := &fakeDrone{}
	sup := New(cfg, store, bridge, starter.start, drone)
	return sup, store, starter, bridge, drone
}

func waitForStatus(t *testing.T, store *statestore.Store, want statestore.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if store.Status() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("status = %s, want %s", store.Status(), want)
}

func hasEvent(store *statestore.Store, code string) bool {
	for _, ev := range store.RecentEvents(500) {
		if ev.Code == code {
			return true
		}
	}
	return false
}

func TestStartAllHappyPath(t *testing.T) {
	sup, store, starter, bridge, drone := testSupervisor(t)

	sessionID, err := sup.StartAll(context.Background(), DefaultRampParams())
	if err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if len(sessionID) != len("20060102_150405") {
		t.Fatalf("session id %q has unexpected shape", sessionID)
	}
	if got := store.Status(); got != statestore.StatusRamping {
		t.Fatalf("status = %s, want RAMPING", got)
	}
	if !bridge.Running() {
		t.Fatalf("bridge not started")
	}
	if drone.connects != 1 {
		t.Fatalf("connects = %d, want 1", drone.connects)
	}
	if got := store.SessionID(); got != sessionID {
		t.Fatalf("store session = %q, want %q", got, sessionID)
	}

	// relay, air, ground in order.
	cfg := testConfig()
	wantOrder := []string{cfg.Roles.Relay, cfg.Roles.Air, cfg.Roles.Ground}
	if len(starter.cmds) != 3 {
		t.Fatalf("spawned %d processes, want 3", len(starter.cmds))
	}
	for i, want := range wantOrder {
		if starter.cmds[i].Path != want {
			t.Fatalf("spawn[%d] = %s, want %s", i, starter.cmds[i].Path, want)
		}
	}

	sup.StopAll(context.Background())
	waitForStatus(t, store, statestore.StatusReady)
}

func TestStartAllEnvironmentContract(t *testing.T) {
	sup, store, starter, _, _ := testSupervisor(t)
	cfg := testConfig()

	params := DefaultRampParams()
	params.Scenario = "hover_test"
	params.MaxPowerW = 250
	params.TTLMS = 500

	sessionID, err := sup.StartAll(context.Background(), params)
	if err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	defer func() {
		sup.StopAll(context.Background())
		waitForStatus(t, store, statestore.StatusReady)
	}()

	ground, ok := starter.commandFor(cfg.Roles.Ground)
	if !ok {
		t.Fatalf("ground never spawned")
	}
	wantGround := map[string]string{
		"MAVLINK20":        "1",
		"MAVLINK_DIALECT":  "laser_safety",
		"PYTHONUNBUFFERED": "1",
		"MAX_POWER_W":      "250",
		"SCENARIO_NAME":    "hover_test",
		"EXPERIMENT_NAME":  sessionID,
		"PERMIT_TTL_MS":    "500",
		"PERMIT_SEND_HZ":   "10",
		"PERMIT_DUPLICATE": "false",
	}
	for k, want := range wantGround {
		if got := ground.Env[k]; got != want {
			t.Fatalf("ground env %s = %q, want %q", k, got, want)
		}
	}

	relay, _ := starter.commandFor(cfg.Roles.Relay)
	if got := relay.Env["RELAY_SERIAL"]; got != "/tmp/ELRS_TX,57600" {
		t.Fatalf("relay RELAY_SERIAL = %q", got)
	}
	if got := relay.Env["RELAY_UDP_IN"]; got != "udpin:0.0.0.0:14600" {
		t.Fatalf("relay RELAY_UDP_IN = %q", got)
	}

	air, _ := starter.commandFor(cfg.Roles.Air)
	if got := air.Env["ELRS_SERIAL"]; got != "/tmp/ELRS_RX,57600" {
		t.Fatalf("air ELRS_SERIAL = %q", got)
	}
	if got := air.Env["USE_PX4"]; got != "1" {
		t.Fatalf("air USE_PX4 = %q", got)
	}
}

func TestStartAllRejectsSecondStart(t *testing.T) {
	sup, store, _, _, _ := testSupervisor(t)

	if _, err := sup.StartAll(context.Background(), DefaultRampParams()); err != nil {
		t.Fatalf("first StartAll: %v", err)
	}
	if _, err := sup.StartAll(context.Background(), DefaultRampParams()); err != ErrAlreadyRunning {
		t.Fatalf("second StartAll err = %v, want ErrAlreadyRunning", err)
	}

	sup.StopAll(context.Background())
	waitForStatus(t, store, statestore.StatusReady)
}

func TestProcessPIDsIncludeLinkBridge(t *testing.T) {
	sup, store, _, bridge, _ := testSupervisor(t)
	bridge.pid = 7001

	if got := sup.ProcessPIDs()["link"]; got != nil {
		t.Fatalf("link pid = %d before start, want nil", *got)
	}

	if _, err := sup.StartAll(context.Background(), DefaultRampParams()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	pids := sup.ProcessPIDs()
	if pids["link"] == nil || *pids["link"] != 7001 {
		t.Fatalf("link pid = %v, want 7001", pids["link"])
	}
	if pids["ground"] == nil {
		t.Fatalf("ground pid missing while running")
	}

	sup.StopAll(context.Background())
	waitForStatus(t, store, statestore.StatusReady)
	if got := sup.ProcessPIDs()["link"]; got != nil {
		t.Fatalf("link pid = %d after stop, want nil", *got)
	}
}

func TestGroundKilledDuringStartRollbackProducesNoLanding(t *testing.T) {
	cfg := testConfig()
	store := statestore.New()
	starter := &fakeStarter{handles: make(map[string]*fakeHandle)}
	bridge := &fakeBridge{}
	drone := &fakeDrone{}

	// The ground process dies with a nonzero code when the rollback
	// terminates it, exactly like a real process reaped mid-start.
	ground := newFakeHandle(1003)
	ground.termExitCode = 1
	starter.handles[cfg.Roles.Ground] = ground

	// Cancel the start context the moment ground is up: the settle wait
	// fails, and StartAll has to roll back a fully started process set.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	start := func(cmd proc.Command) (proc.Handle, error) {
		h, err := starter.start(cmd)
		if err == nil && cmd.Path == cfg.Roles.Ground {
			cancel()
		}
		return h, err
	}
	sup := New(cfg, store, bridge, start, drone)

	if _, err := sup.StartAll(ctx, DefaultRampParams()); err == nil {
		t.Fatalf("StartAll succeeded despite cancelled context")
	}

	waitForStatus(t, store, statestore.StatusReady)

	if got := drone.landCount(); got != 0 {
		t.Fatalf("landing attempts during start rollback = %d, want 0", got)
	}
	if hasEvent(store, "AUTO_LAND") {
		t.Fatalf("emergency landing event emitted during start rollback")
	}
	if !hasEvent(store, "PROCESS_CRASH") {
		t.Fatalf("nonzero ground exit not recorded")
	}
	if bridge.Running() {
		t.Fatalf("bridge still running after rollback")
	}
}

func TestStartAllRejectsWhileStopping(t *testing.T) {
	sup, store, starter, _, _ := testSupervisor(t)
	store.SetStatus(statestore.StatusStopping)

	_, err := sup.StartAll(context.Background(), DefaultRampParams())
	if err == nil {
		t.Fatalf("StartAll accepted during STOPPING")
	}
	if err == ErrAlreadyRunning {
		t.Fatalf("err = ErrAlreadyRunning, want a status rejection")
	}
	if len(starter.cmds) != 0 {
		t.Fatalf("processes spawned despite STOPPING status")
	}
}

func TestStartAllRejectsInvalidParams(t *testing.T) {
	sup, _, starter, _, _ := testSupervisor(t)

	params := DefaultRampParams()
	params.MaxPowerW = 9999 // above the configured limit

	if _, err := sup.StartAll(context.Background(), params); err == nil {
		t.Fatalf("StartAll accepted out-of-limit power")
	}
	if len(starter.cmds) != 0 {
		t.Fatalf("processes spawned despite invalid params")
	}
}

func TestStopAllIdempotentWhenNothingRunning(t *testing.T) {
	sup, store, _, _, drone := testSupervisor(t)

	sup.StopAll(context.Background())
	sup.StopAll(context.Background())

	if got := store.Status(); got != statestore.StatusReady {
		t.Fatalf("status = %s, want READY", got)
	}
	if drone.landCount() != 0 {
		t.Fatalf("landing attempted during plain stop")
	}
}

func TestMonitorFeedsDecoder(t *testing.T) {
	sup, store, starter, _, _ := testSupervisor(t)
	cfg := testConfig()

	if _, err := sup.StartAll(context.Background(), DefaultRampParams()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	defer func() {
		sup.StopAll(context.Background())
		waitForStatus(t, store, statestore.StatusReady)
	}()

	ground := starter.handles[cfg.Roles.Ground]
	ground.writeLine("[ 45%] Cmd:225.0W | Rcv:45000.0mW | Eff:20.0% | LQ:92% | RTT:34.5ms | G/D:450/89 (83%)")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if store.TelemetrySnapshot().CommandedPct == 45 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("telemetry line never decoded: %+v", store.TelemetrySnapshot())
}

func TestGroundCrashTriggersEmergencyLanding(t *testing.T) {
	sup, store, starter, _, drone := testSupervisor(t)
	cfg := testConfig()
	drone.landErr = io.ErrClosedPipe // failure logged, teardown proceeds

	if _, err := sup.StartAll(context.Background(), DefaultRampParams()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	starter.handles[cfg.Roles.Ground].exit(2)

	waitForStatus(t, store, statestore.StatusSafe)
	if got := drone.landCount(); got != 1 {
		t.Fatalf("landing attempts = %d, want exactly 1", got)
	}
	if !hasEvent(store, "PROCESS_CRASH") {
		t.Fatalf("no PROCESS_CRASH event")
	}
	if !hasEvent(store, "LAND_FAILED") {
		t.Fatalf("no LAND_FAILED event for failed landing")
	}
	if sup.Running() {
		t.Fatalf("processes still running after emergency stop")
	}
}

func TestGroundCrashDuringStopProducesNoLanding(t *testing.T) {
	sup, store, starter, _, drone := testSupervisor(t)
	cfg := testConfig()

	if _, err := sup.StartAll(context.Background(), DefaultRampParams()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	// The ground process dies with a nonzero code when terminated, as a
	// real one might mid-ramp. During an operator stop that must not be
	// treated as an unplanned crash.
	starter.handles[cfg.Roles.Ground].termExitCode = 1

	sup.StopAll(context.Background())
	waitForStatus(t, store, statestore.StatusReady)

	if got := drone.landCount(); got != 0 {
		t.Fatalf("landing attempts during operator stop = %d, want 0", got)
	}
}

func TestCleanGroundExit(t *testing.T) {
	sup, store, starter, _, drone := testSupervisor(t)
	cfg := testConfig()

	if _, err := sup.StartAll(context.Background(), DefaultRampParams()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	defer func() {
		sup.StopAll(context.Background())
		waitForStatus(t, store, statestore.StatusReady)
	}()

	starter.handles[cfg.Roles.Ground].exit(0)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hasEvent(store, "PROCESS_EXIT") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !hasEvent(store, "PROCESS_EXIT") {
		t.Fatalf("no PROCESS_EXIT event for clean exit")
	}
	if drone.landCount() != 0 {
		t.Fatalf("clean exit triggered a landing")
	}
}

func TestStartFailureRollsBack(t *testing.T) {
	sup, store, starter, bridge, _ := testSupervisor(t)
	cfg := testConfig()
	starter.failFor = cfg.Roles.Air

	if _, err := sup.StartAll(context.Background(), DefaultRampParams()); err == nil {
		t.Fatalf("StartAll succeeded despite air spawn failure")
	}

	waitForStatus(t, store, statestore.StatusReady)
	if !hasEvent(store, "START_FAIL") {
		t.Fatalf("no START_FAIL event")
	}
	if bridge.Running() {
		t.Fatalf("bridge left running after rollback")
	}
	relay := starter.handles[cfg.Roles.Relay]
	if relay == nil || !relay.Exited() {
		t.Fatalf("relay not torn down during rollback")
	}
}

func TestBridgeFailureFailsStart(t *testing.T) {
	sup, store, starter, bridge, _ := testSupervisor(t)
	bridge.startErr = io.ErrUnexpectedEOF

	_, err := sup.StartAll(context.Background(), DefaultRampParams())
	if err == nil {
		t.Fatalf("StartAll succeeded without a link bridge")
	}
	if !strings.Contains(err.Error(), "start run") {
		t.Fatalf("err = %v", err)
	}
	if len(starter.cmds) != 0 {
		t.Fatalf("role processes spawned without a link")
	}
	waitForStatus(t, store, statestore.StatusReady)
}

func TestDroneStatusTransitions(t *testing.T) {
	_, store, _, _, drone := testSupervisor(t)

	drone.statusFn("PX4_CONNECTED", map[string]string{"fw": "1.14"})
	if got := store.Status(); got != statestore.StatusReady {
		t.Fatalf("status after connect = %s, want READY", got)
	}

	drone.statusFn("PX4_DISCONNECTED", nil)
	if got := store.Status(); got != statestore.StatusSafe {
		t.Fatalf("status after disconnect = %s, want SAFE", got)
	}

	events := store.RecentEvents(10)
	sawPX4 := false
	for _, ev := range events {
		if ev.Source == "PX4" && ev.Code == "PX4_CONNECTED" {
			sawPX4 = true
		}
	}
	if !sawPX4 {
		t.Fatalf("no PX4 source event recorded: %+v", events)
	}
}

func TestRampParamsValidation(t *testing.T) {
	lim := config.Default().Limits

	tests := []struct {
		name   string
		mutate func(*RampParams)
		ok     bool
	}{
		{"defaults", func(p *RampParams) {}, true},
		{"empty scenario", func(p *RampParams) { p.Scenario = "" }, false},
		{"inverted range", func(p *RampParams) { p.MinPowerPct = 80; p.MaxPowerPct = 20 }, false},
		{"zero step", func(p *RampParams) { p.StepPct = 0 }, false},
		{"over power limit", func(p *RampParams) { p.MaxPowerW = lim.MaxPowerW + 1 }, false},
		{"ttl too low", func(p *RampParams) { p.TTLMS = lim.MinPermitTTLMS - 1 }, false},
		{"send rate too high", func(p *RampParams) { p.SendHz = lim.MaxSendHz + 1 }, false},
		{"at power limit", func(p *RampParams) { p.MaxPowerW = lim.MaxPowerW }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultRampParams()
			tt.mutate(&p)
			err := p.Validate(lim)
			if tt.ok && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if !tt.ok && err == nil {
				t.Fatalf("Validate() = nil, want error")
			}
		})
	}
}
