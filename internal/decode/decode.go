// Package decode turns free-text role-process output into typed
// telemetry merges and events. Each role owns an ordered grammar of
// line rules compiled once at construction; the first rule whose
// pattern matches consumes the line. Lines matching no rule are
// silently ignored — the role-processes print banners and debug chatter
// that are not part of the protocol, and tolerating unknown lines is
// what keeps the grammar forward-compatible.
package decode

import (
	"regexp"
	"strconv"
	"time"
)

// Rule is one pattern in a role grammar: a compiled expression plus the
// handler that receives its captures.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Handle  func(c Captures)
}

// Decoder tries its rules in priority order against each line.
// Decoders hold no shared mutable state beyond throttle timestamps, so
// distinct instances are safe to drive from concurrent monitors.
type Decoder struct {
	role  string
	rules []Rule
}

// NewDecoder builds a decoder for the named role from an ordered rule list.
func NewDecoder(role string, rules []Rule) *Decoder {
	return &Decoder{role: role, rules: rules}
}

// Role returns the role name this decoder was built for.
func (d *Decoder) Role() string { return d.role }

// HandleLine runs the line through the grammar. It reports whether any
// rule consumed the line.
func (d *Decoder) HandleLine(line string) bool {
	for i := range d.rules {
		r := &d.rules[i]
		m := r.Pattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		r.Handle(Captures{re: r.Pattern, m: m})
		return true
	}
	return false
}

// Captures wraps the submatches of a rule for named-group extraction.
// Absent optional groups report ok=false rather than a default value.
type Captures struct {
	re *regexp.Regexp
	m  []string
}

// Str returns the named group's text, empty when the group did not match.
func (c Captures) Str(name string) string {
	idx := c.re.SubexpIndex(name)
	if idx < 0 || idx >= len(c.m) {
		return ""
	}
	return c.m[idx]
}

// Int parses the named group as an integer.
func (c Captures) Int(name string) (int, bool) {
	s := c.Str(name)
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Float parses the named group as a float.
func (c Captures) Float(name string) (float64, bool) {
	s := c.Str(name)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// throttle suppresses repeat events inside a fixed window. The permit
// protocol runs at ~10 Hz; without this, GRANT and relay-counter lines
// would flood the event log.
type throttle struct {
	interval time.Duration
	last     time.Time
}

// allow reports whether an event may fire at t, consuming the window if so.
func (th *throttle) allow(t time.Time) bool {
	if !th.last.IsZero() && t.Sub(th.last) < th.interval {
		return false
	}
	th.last = t
	return true
}

func ptr[T any](v T) *T { return &v }
