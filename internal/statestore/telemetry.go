package statestore

// Telemetry is the current merged view of everything the role-processes
// have reported. Pointer fields are optional: nil means "not yet known",
// which several consumers treat differently from zero (GPS before first
// fix, cone violation before the first permit decision).
type Telemetry struct {
	// Power
	CommandedPct  int     `json:"commanded_pct"`
	CommandedW    float64 `json:"commanded_w"`
	ReceivedMW    float64 `json:"received_mw"`
	EfficiencyPct float64 `json:"efficiency_pct"`

	// Link
	LinkQualityPct int     `json:"link_quality_pct"`
	RTTMs          float64 `json:"rtt_ms"`

	// Permit
	Granted      bool     `json:"granted"`
	DenyReason   *string  `json:"deny_reason"`
	GrantsTotal  int      `json:"grants_total"`
	DeniesTotal  int      `json:"denies_total"`
	GrantRatePct *float64 `json:"grant_rate_pct,omitempty"`
	Seq          int      `json:"seq"`

	// Battery
	VoltageMV           int  `json:"voltage_mv"`
	CurrentMA           int  `json:"current_ma"`
	TempCdeg            int  `json:"temp_cdeg"`
	BatteryRemainingPct *int `json:"battery_remaining_pct,omitempty"`

	// Attitude
	DistanceM     *float64 `json:"distance_m,omitempty"`
	RollDeg       *float64 `json:"roll_deg,omitempty"`
	PitchDeg      *float64 `json:"pitch_deg,omitempty"`
	YawDeg        *float64 `json:"yaw_deg,omitempty"`
	ConeViolation *bool    `json:"cone_violation,omitempty"`
	RelAltM       *float64 `json:"rel_alt_m,omitempty"`

	// GPS (enrichment from the drone-control bridge; nil before first fix)
	HomeLatDeg *float64 `json:"home_lat_deg,omitempty"`
	HomeLonDeg *float64 `json:"home_lon_deg,omitempty"`

	// Ramp progress
	RampLevelCurrent int    `json:"ramp_level_current"`
	RampLevelTotal   int    `json:"ramp_level_total"`
	RampLevelStr     string `json:"ramp_level_str"`

	// Relay link counters, one per direction
	RelayUplink   RelayCounters `json:"relay_uplink"`
	RelayDownlink RelayCounters `json:"relay_downlink"`
}

// RelayCounters tracks message flow through the relay in one direction.
type RelayCounters struct {
	Queue   int    `json:"queue"`
	Total   int    `json:"total"`
	LastMsg string `json:"last_msg"`
}

// Update is a partial telemetry merge. Non-nil fields overwrite the
// corresponding snapshot field; nil fields are left untouched.
// DenyReason cannot express "clear" through nil, so clearing it is a
// separate flag.
type Update struct {
	CommandedPct  *int
	CommandedW    *float64
	ReceivedMW    *float64
	EfficiencyPct *float64

	LinkQualityPct *int
	RTTMs          *float64

	Granted         *bool
	DenyReason      *string
	ClearDenyReason bool
	GrantsTotal     *int
	DeniesTotal     *int
	GrantRatePct    *float64
	Seq             *int

	VoltageMV           *int
	CurrentMA           *int
	TempCdeg            *int
	BatteryRemainingPct *int

	DistanceM     *float64
	RollDeg       *float64
	PitchDeg      *float64
	YawDeg        *float64
	ConeViolation *bool
	RelAltM       *float64

	HomeLatDeg *float64
	HomeLonDeg *float64

	RampLevelCurrent *int
	RampLevelTotal   *int
	RampLevelStr     *string

	RelayUplink   *RelayCounters
	RelayDownlink *RelayCounters
}

// apply merges u into t. Fresh pointers are allocated for optional
// fields so previously returned snapshots are never mutated.
func (t *Telemetry) apply(u Update) {
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setFloat := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	setOptFloat := func(dst **float64, src *float64) {
		if src != nil {
			v := *src
			*dst = &v
		}
	}

	setInt(&t.CommandedPct, u.CommandedPct)
	setFloat(&t.CommandedW, u.CommandedW)
	setFloat(&t.ReceivedMW, u.ReceivedMW)
	setFloat(&t.EfficiencyPct, u.EfficiencyPct)

	setInt(&t.LinkQualityPct, u.LinkQualityPct)
	setFloat(&t.RTTMs, u.RTTMs)

	if u.Granted != nil {
		t.Granted = *u.Granted
	}
	if u.ClearDenyReason {
		t.DenyReason = nil
	} else if u.DenyReason != nil {
		v := *u.DenyReason
		t.DenyReason = &v
	}
	setInt(&t.GrantsTotal, u.GrantsTotal)
	setInt(&t.DeniesTotal, u.DeniesTotal)
	setOptFloat(&t.GrantRatePct, u.GrantRatePct)
	setInt(&t.Seq, u.Seq)

	setInt(&t.VoltageMV, u.VoltageMV)
	setInt(&t.CurrentMA, u.CurrentMA)
	setInt(&t.TempCdeg, u.TempCdeg)
	if u.BatteryRemainingPct != nil {
		v := *u.BatteryRemainingPct
		t.BatteryRemainingPct = &v
	}

	setOptFloat(&t.DistanceM, u.DistanceM)
	setOptFloat(&t.RollDeg, u.RollDeg)
	setOptFloat(&t.PitchDeg, u.PitchDeg)
	setOptFloat(&t.YawDeg, u.YawDeg)
	if u.ConeViolation != nil {
		v := *u.ConeViolation
		t.ConeViolation = &v
	}
	setOptFloat(&t.RelAltM, u.RelAltM)

	setOptFloat(&t.HomeLatDeg, u.HomeLatDeg)
	setOptFloat(&t.HomeLonDeg, u.HomeLonDeg)

	setInt(&t.RampLevelCurrent, u.RampLevelCurrent)
	setInt(&t.RampLevelTotal, u.RampLevelTotal)
	if u.RampLevelStr != nil {
		t.RampLevelStr = *u.RampLevelStr
	}

	if u.RelayUplink != nil {
		t.RelayUplink = *u.RelayUplink
	}
	if u.RelayDownlink != nil {
		t.RelayDownlink = *u.RelayDownlink
	}
}
