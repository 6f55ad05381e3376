package decode

import (
	"fmt"
	"regexp"

	"github.com/skybeam/groundstation/internal/statestore"
)

// Ground grammar patterns. Field order and punctuation are the wire
// format: the ground process prints fixed-structure summaries such as
//
//	[ 45%] Cmd:225.0W | Rcv:45000.0mW | Eff:20.0% | LQ:92% | RTT:34.5ms | G/D:450/89 (83%) | d=42.1m r=35.2° p=-8.1°
var (
	groundTelemetryRE = regexp.MustCompile(
		`\[\s*(?P<pct>\d+)%\]` +
			`\s+Cmd:\s*(?P<cmd_w>[\d.]+)W` +
			`\s+\|\s+Rcv:\s*(?P<rcv_mw>[\d.]+)mW` +
			`\s+\|\s+Eff:\s*(?P<eff>[\d.]+)%` +
			`\s+\|\s+LQ:\s*(?P<lq>\d+)%` +
			`\s+\|\s+RTT:\s*(?P<rtt>[\d.]+)ms` +
			`\s+\|\s+G/D:\s*(?P<grants>\d+)/(?P<denies>\d+)` +
			`(?:\s+\((?P<grant_rate>[\d.]+)%\))?` +
			`(?:\s+\|\s+d=(?P<dist>[\d.]+)m)?` +
			`(?:\s+r=(?P<roll>[-\d.]+)°)?` +
			`(?:\s+p=(?P<pitch>[-\d.]+)°)?`)

	// "[ground] ⚠ DENY received: seq=124 reason=PX4NotOK"
	groundDenyRE = regexp.MustCompile(
		`DENY received:\s+seq=(?P<seq>\d+)\s+reason=(?P<reason>\w+)`)

	// "[RAMP] Level 9/16: 45%"
	groundRampRE = regexp.MustCompile(
		`\[RAMP\]\s+Level\s+(?P<current>\d+)/(?P<total>\d+):\s+(?P<pct>\d+)%`)

	// "BAT:12400mV -1500mA 2350cdeg"
	groundBatteryRE = regexp.MustCompile(
		`BAT:(?P<voltage>\d+)mV\s+(?P<current>-?\d+)mA\s+(?P<temp>\d+)cdeg`)
)

// NewGround builds the decoder for ground-station output.
func NewGround(store *statestore.Store) *Decoder {
	g := &groundGrammar{store: store}
	return NewDecoder("ground", []Rule{
		{Name: "telemetry", Pattern: groundTelemetryRE, Handle: g.telemetry},
		{Name: "deny", Pattern: groundDenyRE, Handle: g.deny},
		{Name: "ramp_level", Pattern: groundRampRE, Handle: g.rampLevel},
		{Name: "battery", Pattern: groundBatteryRE, Handle: g.battery},
	})
}

type groundGrammar struct {
	store *statestore.Store
}

func (g *groundGrammar) telemetry(c Captures) {
	u := statestore.Update{}
	if v, ok := c.Int("pct"); ok {
		u.CommandedPct = &v
	}
	if v, ok := c.Float("cmd_w"); ok {
		u.CommandedW = &v
	}
	if v, ok := c.Float("rcv_mw"); ok {
		u.ReceivedMW = &v
	}
	if v, ok := c.Float("eff"); ok {
		u.EfficiencyPct = &v
	}
	if v, ok := c.Int("lq"); ok {
		u.LinkQualityPct = &v
	}
	if v, ok := c.Float("rtt"); ok {
		u.RTTMs = &v
	}

	grants, _ := c.Int("grants")
	denies, _ := c.Int("denies")
	u.GrantsTotal = &grants
	u.DeniesTotal = &denies
	if total := grants + denies; total > 0 {
		u.GrantRatePct = ptr(float64(grants) / float64(total) * 100.0)
	}

	// Optional attitude tail: absent groups stay absent, never zero.
	if v, ok := c.Float("dist"); ok {
		u.DistanceM = &v
	}
	if v, ok := c.Float("roll"); ok {
		u.RollDeg = &v
	}
	if v, ok := c.Float("pitch"); ok {
		u.PitchDeg = &v
	}

	g.store.UpdateTelemetry(u)
}

func (g *groundGrammar) deny(c Captures) {
	g.store.AddEvent(statestore.LevelWarn, "ground", "DENY_RECEIVED",
		fmt.Sprintf("Seq %s: %s", c.Str("seq"), c.Str("reason")))
}

func (g *groundGrammar) rampLevel(c Captures) {
	current, _ := c.Int("current")
	total, _ := c.Int("total")
	g.store.UpdateTelemetry(statestore.Update{
		RampLevelCurrent: &current,
		RampLevelTotal:   &total,
		RampLevelStr:     ptr(fmt.Sprintf("%d/%d", current, total)),
	})
}

func (g *groundGrammar) battery(c Captures) {
	u := statestore.Update{}
	if v, ok := c.Int("voltage"); ok {
		u.VoltageMV = &v
	}
	if v, ok := c.Int("current"); ok {
		u.CurrentMA = &v
	}
	if v, ok := c.Int("temp"); ok {
		u.TempCdeg = &v
	}
	g.store.UpdateTelemetry(u)
}
