package decode

import (
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/skybeam/groundstation/internal/statestore"
)

// coneHalfAngleDeg is the attitude safety cone: combined roll/pitch
// magnitude beyond this means the receiver is pointed too far off-axis.
const coneHalfAngleDeg = 12.0

// grantEventInterval throttles GRANT events. Grants arrive at permit
// rate (~10 Hz); denials are rare and safety-relevant, so they are
// never throttled.
const grantEventInterval = 5 * time.Second

// Air grammar patterns, e.g.
//
//	[air] ✓ GRANT seq=123 | Cmd:100W | Rcv:40000.0mW | Eff:40.0% | d=50.0m | r=0.0° p=0.0°
//	[air] ✗ DENY seq=124 | PX4_NOT_OK | r=35.0° p=-10.0° | att_err=36.4° (cone=12°)
var (
	airGrantRE = regexp.MustCompile(
		`✓ GRANT\s+` +
			`seq=(?P<seq>\d+)\s+\|\s+` +
			`Cmd:(?P<cmd_w>[\d.]+)W\s+\|\s+` +
			`Rcv:(?P<rcv_mw>[\d.]+)mW\s+\|\s+` +
			`Eff:(?P<eff>[\d.]+)%\s+\|\s+` +
			`d=(?P<dist>[\d.]+)m\s+\|\s+` +
			`r=(?P<roll>[-\d.]+)°\s+` +
			`p=(?P<pitch>[-\d.]+)°`)

	airDenyRE = regexp.MustCompile(
		`✗ DENY\s+` +
			`seq=(?P<seq>\d+)\s+\|\s+` +
			`(?P<reason>\w+)\s+\|\s+` +
			`r=(?P<roll>[-\d.]+)°\s+` +
			`p=(?P<pitch>[-\d.]+)°` +
			`(?:\s+\|\s+att_err=(?P<att_err>[\d.]+)°)?`)

	// "[air] PX4 ALT rel=12.5m"
	airAltRE = regexp.MustCompile(
		`\[air\]\s+PX4\s+ALT\s+rel=(?P<rel>[-\d.]+)m`)

	// "[air] PX4 BAT V=12400mV I=-1500mA rem=87%"
	airBatteryRE = regexp.MustCompile(
		`\[air\]\s+PX4\s+BAT\s+V=(?P<v>\d+)mV\s+I=(?P<i>-?\d+)mA\s+rem=(?P<rem>-?\d+)%`)

	// "[air] Home set: 47.397742, 8.545594"
	airHomeRE = regexp.MustCompile(
		`\[air\]\s+Home\s+set:\s+(?P<lat>[-\d.]+),\s+(?P<lon>[-\d.]+)`)

	// "[air] PX4 gate: hb=1 armed=1 ekf=1 cone=0 (r=35.0° p=-10.0°)"
	airGateRE = regexp.MustCompile(
		`PX4 gate:\s+hb=(?P<hb>\d)\s+armed=(?P<armed>\d)\s+ekf=(?P<ekf>\d)\s+cone=(?P<cone>\d)`)
)

// NewAir builds the decoder for airborne-gate output.
func NewAir(store *statestore.Store) *Decoder {
	return newAir(store, time.Now)
}

// newAir takes a clock so throttle behavior is testable.
func newAir(store *statestore.Store, now func() time.Time) *Decoder {
	a := &airGrammar{
		store:         store,
		now:           now,
		grantThrottle: throttle{interval: grantEventInterval},
	}
	return NewDecoder("air", []Rule{
		{Name: "grant", Pattern: airGrantRE, Handle: a.grant},
		{Name: "deny", Pattern: airDenyRE, Handle: a.deny},
		{Name: "altitude", Pattern: airAltRE, Handle: a.altitude},
		{Name: "battery", Pattern: airBatteryRE, Handle: a.battery},
		{Name: "home", Pattern: airHomeRE, Handle: a.home},
		{Name: "gate", Pattern: airGateRE, Handle: a.gate},
	})
}

type airGrammar struct {
	store         *statestore.Store
	now           func() time.Time
	grantThrottle throttle
}

func (a *airGrammar) grant(c Captures) {
	seq, _ := c.Int("seq")
	roll, _ := c.Float("roll")
	pitch, _ := c.Float("pitch")

	u := statestore.Update{
		Granted:         ptr(true),
		ClearDenyReason: true,
		Seq:             &seq,
		RollDeg:         &roll,
		PitchDeg:        &pitch,
	}
	if v, ok := c.Float("dist"); ok {
		u.DistanceM = &v
	}
	attitudeErr := math.Sqrt(roll*roll + pitch*pitch)
	u.ConeViolation = ptr(attitudeErr > coneHalfAngleDeg)
	a.store.UpdateTelemetry(u)

	if a.grantThrottle.allow(a.now()) {
		a.store.AddEvent(statestore.LevelInfo, "air", "GRANT",
			fmt.Sprintf("Seq %d: %sW @ %sm", seq, c.Str("cmd_w"), c.Str("dist")))
	}
}

func (a *airGrammar) deny(c Captures) {
	seq, _ := c.Int("seq")
	reason := c.Str("reason")
	roll, _ := c.Float("roll")
	pitch, _ := c.Float("pitch")

	u := statestore.Update{
		Granted:    ptr(false),
		DenyReason: &reason,
		Seq:        &seq,
		RollDeg:    &roll,
		PitchDeg:   &pitch,
	}
	if attErr, ok := c.Float("att_err"); ok {
		u.ConeViolation = ptr(attErr > coneHalfAngleDeg)
	}
	a.store.UpdateTelemetry(u)

	msg := fmt.Sprintf("Seq %d: %s", seq, reason)
	if s := c.Str("att_err"); s != "" {
		msg += fmt.Sprintf(" (attitude %s° > cone)", s)
	}
	// Denials bypass throttling: rare, and the operator needs each one.
	a.store.AddEvent(statestore.LevelWarn, "air", reason, msg)
}

func (a *airGrammar) altitude(c Captures) {
	if v, ok := c.Float("rel"); ok {
		a.store.UpdateTelemetry(statestore.Update{RelAltM: &v})
	}
}

func (a *airGrammar) battery(c Captures) {
	u := statestore.Update{}
	if v, ok := c.Int("v"); ok {
		u.VoltageMV = &v
	}
	if v, ok := c.Int("i"); ok {
		u.CurrentMA = &v
	}
	if rem, ok := c.Int("rem"); ok && rem >= 0 {
		u.BatteryRemainingPct = &rem
	}
	a.store.UpdateTelemetry(u)
}

func (a *airGrammar) home(c Captures) {
	lat, okLat := c.Float("lat")
	lon, okLon := c.Float("lon")
	if !okLat || !okLon {
		return
	}
	a.store.UpdateTelemetry(statestore.Update{
		HomeLatDeg: &lat,
		HomeLonDeg: &lon,
	})
}

func (a *airGrammar) gate(c Captures) {
	// Diagnostic line; only a cone failure is worth surfacing.
	if c.Str("cone") == "0" {
		a.store.AddEvent(statestore.LevelWarn, "air", "PX4_CONE_VIOLATION",
			"Attitude outside ±12° cone")
	}
}
