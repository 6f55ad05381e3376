package decode

import (
	"math"
	"testing"

	"github.com/skybeam/groundstation/internal/statestore"
)

func TestGroundTelemetryLine(t *testing.T) {
	store := statestore.New()
	dec := NewGround(store)

	line := "[ 45%] Cmd:225.0W | Rcv:45000.0mW | Eff:20.0% | LQ:92% | RTT:34.5ms | G/D:450/89 (83%) | d=42.1m r=35.2° p=-8.1°"
	if !dec.HandleLine(line) {
		t.Fatalf("telemetry line not matched")
	}

	got := store.TelemetrySnapshot()
	if got.CommandedPct != 45 {
		t.Fatalf("CommandedPct = %d, want 45", got.CommandedPct)
	}
	if got.CommandedW != 225.0 {
		t.Fatalf("CommandedW = %v, want 225.0", got.CommandedW)
	}
	if got.ReceivedMW != 45000.0 {
		t.Fatalf("ReceivedMW = %v, want 45000.0", got.ReceivedMW)
	}
	if got.EfficiencyPct != 20.0 {
		t.Fatalf("EfficiencyPct = %v, want 20.0", got.EfficiencyPct)
	}
	if got.LinkQualityPct != 92 {
		t.Fatalf("LinkQualityPct = %d, want 92", got.LinkQualityPct)
	}
	if got.RTTMs != 34.5 {
		t.Fatalf("RTTMs = %v, want 34.5", got.RTTMs)
	}
	if got.GrantsTotal != 450 || got.DeniesTotal != 89 {
		t.Fatalf("G/D = %d/%d, want 450/89", got.GrantsTotal, got.DeniesTotal)
	}
	if got.DistanceM == nil || *got.DistanceM != 42.1 {
		t.Fatalf("DistanceM = %v, want 42.1", got.DistanceM)
	}
	if got.RollDeg == nil || *got.RollDeg != 35.2 {
		t.Fatalf("RollDeg = %v, want 35.2", got.RollDeg)
	}
	if got.PitchDeg == nil || *got.PitchDeg != -8.1 {
		t.Fatalf("PitchDeg = %v, want -8.1", got.PitchDeg)
	}
}

func TestGroundTelemetryWithoutAttitudeTail(t *testing.T) {
	store := statestore.New()
	dec := NewGround(store)

	line := "[ 10%] Cmd:50.0W | Rcv:10000.0mW | Eff:20.0% | LQ:99% | RTT:12.0ms | G/D:10/0"
	if !dec.HandleLine(line) {
		t.Fatalf("line not matched")
	}

	got := store.TelemetrySnapshot()
	if got.DistanceM != nil || got.RollDeg != nil || got.PitchDeg != nil {
		t.Fatalf("optional attitude fields set without being reported: d=%v r=%v p=%v",
			got.DistanceM, got.RollDeg, got.PitchDeg)
	}
}

func TestGroundGrantRateDerivation(t *testing.T) {
	store := statestore.New()
	dec := NewGround(store)

	line := "[ 50%] Cmd:250.0W | Rcv:50000.0mW | Eff:20.0% | LQ:95% | RTT:20.0ms | G/D:9/1"
	if !dec.HandleLine(line) {
		t.Fatalf("line not matched")
	}

	got := store.TelemetrySnapshot()
	if got.GrantRatePct == nil {
		t.Fatalf("GrantRatePct not derived")
	}
	if math.Abs(*got.GrantRatePct-90.0) > 1e-9 {
		t.Fatalf("GrantRatePct = %v, want 90.0", *got.GrantRatePct)
	}
}

func TestGroundGrantRateSkippedWhenNoDecisions(t *testing.T) {
	store := statestore.New()
	dec := NewGround(store)

	line := "[  0%] Cmd:0.0W | Rcv:0.0mW | Eff:0.0% | LQ:100% | RTT:5.0ms | G/D:0/0"
	if !dec.HandleLine(line) {
		t.Fatalf("line not matched")
	}
	if got := store.TelemetrySnapshot().GrantRatePct; got != nil {
		t.Fatalf("GrantRatePct = %v, want nil with zero decisions", *got)
	}
}

func TestGroundDenyReceivedEvent(t *testing.T) {
	store := statestore.New()
	dec := NewGround(store)

	if !dec.HandleLine("[ground] ⚠ DENY received: seq=124 reason=PX4NotOK") {
		t.Fatalf("deny line not matched")
	}

	errors := store.RecentErrors(1)
	if len(errors) != 1 {
		t.Fatalf("got %d error events, want 1", len(errors))
	}
	ev := errors[0]
	if ev.Level != statestore.LevelWarn || ev.Source != "ground" || ev.Code != "DENY_RECEIVED" {
		t.Fatalf("event = %+v", ev)
	}
	if want := "Seq 124: PX4NotOK"; ev.Message != want {
		t.Fatalf("message = %q, want %q", ev.Message, want)
	}
}

func TestGroundRampLevel(t *testing.T) {
	store := statestore.New()
	dec := NewGround(store)

	if !dec.HandleLine("[RAMP] Level 9/16: 45%") {
		t.Fatalf("ramp line not matched")
	}

	got := store.TelemetrySnapshot()
	if got.RampLevelCurrent != 9 || got.RampLevelTotal != 16 {
		t.Fatalf("ramp level = %d/%d, want 9/16", got.RampLevelCurrent, got.RampLevelTotal)
	}
	if got.RampLevelStr != "9/16" {
		t.Fatalf("RampLevelStr = %q, want 9/16", got.RampLevelStr)
	}
}

func TestGroundBattery(t *testing.T) {
	store := statestore.New()
	dec := NewGround(store)

	if !dec.HandleLine("BAT:12400mV -1500mA 2350cdeg") {
		t.Fatalf("battery line not matched")
	}

	got := store.TelemetrySnapshot()
	if got.VoltageMV != 12400 || got.CurrentMA != -1500 || got.TempCdeg != 2350 {
		t.Fatalf("battery = %dmV %dmA %dcdeg", got.VoltageMV, got.CurrentMA, got.TempCdeg)
	}
}

func TestGroundUnknownLinesIgnored(t *testing.T) {
	store := statestore.New()
	dec := NewGround(store)

	lines := []string{
		"",
		"starting ground controller v2.1",
		"DEBUG: opening udpout:127.0.0.1:14600",
		"some random banner text",
	}
	for _, line := range lines {
		if dec.HandleLine(line) {
			t.Fatalf("line %q unexpectedly matched", line)
		}
	}
	if got := len(store.RecentEvents(10)); got != 0 {
		t.Fatalf("unknown lines produced %d events", got)
	}
}
