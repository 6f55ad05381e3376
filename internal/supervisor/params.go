package supervisor

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/skybeam/groundstation/internal/config"
)

// RampParams describes one power-ramp run as requested by the operator.
type RampParams struct {
	Scenario    string  `json:"scenario"`
	MinPowerPct float64 `json:"min_power_pct"`
	MaxPowerPct float64 `json:"max_power_pct"`
	StepPct     float64 `json:"step_pct"`
	DwellTimeS  float64 `json:"dwell_time_s"`
	MaxPowerW   float64 `json:"max_power_w"`
	SendHz      float64 `json:"permit_send_hz"`
	TTLMS       int     `json:"permit_ttl_ms"`
	Duplicate   bool    `json:"permit_duplicate"`
}

// DefaultRampParams returns a conservative baseline run.
func DefaultRampParams() RampParams {
	return RampParams{
		Scenario:    "baseline",
		MinPowerPct: 10,
		MaxPowerPct: 100,
		StepPct:     10,
		DwellTimeS:  5,
		MaxPowerW:   100,
		SendHz:      10.0,
		TTLMS:       300,
	}
}

// Validate checks the parameters against the configured safety limits,
// aggregating every violation.
func (p RampParams) Validate(lim config.Limits) error {
	var errs []error
	if p.Scenario == "" {
		errs = append(errs, errors.New("scenario name must be set"))
	}
	if p.MinPowerPct < 0 || p.MaxPowerPct > 100 || p.MinPowerPct > p.MaxPowerPct {
		errs = append(errs, fmt.Errorf("power range %.1f%%..%.1f%% outside 0..100 or inverted",
			p.MinPowerPct, p.MaxPowerPct))
	}
	if p.StepPct <= 0 {
		errs = append(errs, errors.New("step_pct must be positive"))
	}
	if p.DwellTimeS <= 0 {
		errs = append(errs, errors.New("dwell_time_s must be positive"))
	}
	if p.MaxPowerW <= 0 || p.MaxPowerW > lim.MaxPowerW {
		errs = append(errs, fmt.Errorf("max_power_w %.1f outside (0, %.1f]", p.MaxPowerW, lim.MaxPowerW))
	}
	if p.SendHz < lim.MinSendHz || p.SendHz > lim.MaxSendHz {
		errs = append(errs, fmt.Errorf("permit_send_hz %.1f outside [%.1f, %.1f]",
			p.SendHz, lim.MinSendHz, lim.MaxSendHz))
	}
	if p.TTLMS < lim.MinPermitTTLMS || p.TTLMS > lim.MaxPermitTTLMS {
		errs = append(errs, fmt.Errorf("permit_ttl_ms %d outside [%d, %d]",
			p.TTLMS, lim.MinPermitTTLMS, lim.MaxPermitTTLMS))
	}
	return errors.Join(errs...)
}

// asMap renders the parameters as the opaque key/value set recorded on
// the session.
func (p RampParams) asMap() map[string]string {
	return map[string]string{
		"scenario":         p.Scenario,
		"min_power_pct":    formatFloat(p.MinPowerPct),
		"max_power_pct":    formatFloat(p.MaxPowerPct),
		"step_pct":         formatFloat(p.StepPct),
		"dwell_time_s":     formatFloat(p.DwellTimeS),
		"max_power_w":      formatFloat(p.MaxPowerW),
		"permit_send_hz":   formatFloat(p.SendHz),
		"permit_ttl_ms":    strconv.Itoa(p.TTLMS),
		"permit_duplicate": strconv.FormatBool(p.Duplicate),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
