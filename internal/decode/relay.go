package decode

import (
	"fmt"
	"regexp"
	"time"

	"github.com/skybeam/groundstation/internal/statestore"
)

// queueDepthWarnThreshold is the relay queue depth past which backlog
// becomes operationally urgent. The warning is never throttled.
const queueDepthWarnThreshold = 20

// counterEventInterval throttles routine relay-traffic events, same
// flood rationale as GRANT lines.
const counterEventInterval = 5 * time.Second

// Relay grammar patterns, e.g.
//
//	[mav_relay] UDP->SER: queue=5 total=1234 last=LASER_PERMIT
//	[mav_relay] Dropped packet: LASER_PERMIT (loss simulation)
var (
	relayCounterRE = regexp.MustCompile(
		`(?P<direction>UDP->SER|SER->UDP):\s+` +
			`queue=(?P<queue>\d+)\s+` +
			`total=(?P<total>\d+)\s+` +
			`last=(?P<msg_type>\w+)`)

	relayDropRE = regexp.MustCompile(
		`Dropped packet:\s+(?P<msg_type>\w+)`)
)

// NewRelay builds the decoder for relay output.
func NewRelay(store *statestore.Store) *Decoder {
	return newRelay(store, time.Now)
}

func newRelay(store *statestore.Store, now func() time.Time) *Decoder {
	r := &relayGrammar{
		store:           store,
		now:             now,
		counterThrottle: throttle{interval: counterEventInterval},
	}
	return NewDecoder("relay", []Rule{
		{Name: "counter", Pattern: relayCounterRE, Handle: r.counter},
		{Name: "drop", Pattern: relayDropRE, Handle: r.drop},
	})
}

type relayGrammar struct {
	store           *statestore.Store
	now             func() time.Time
	counterThrottle throttle
}

func (r *relayGrammar) counter(c Captures) {
	direction := c.Str("direction")
	queue, _ := c.Int("queue")
	total, _ := c.Int("total")
	msgType := c.Str("msg_type")

	counters := statestore.RelayCounters{
		Queue:   queue,
		Total:   total,
		LastMsg: msgType,
	}
	u := statestore.Update{}
	// UDP->SER carries permits toward the air gate (uplink); SER->UDP
	// carries acks and telemetry back down.
	if direction == "UDP->SER" {
		u.RelayUplink = &counters
	} else {
		u.RelayDownlink = &counters
	}
	r.store.UpdateTelemetry(u)

	if r.counterThrottle.allow(r.now()) {
		r.store.AddEvent(statestore.LevelInfo, "relay", msgType,
			fmt.Sprintf("%s: queue=%d total=%d last=%s", direction, queue, total, msgType))
	}

	// Backlog warnings skip the throttle entirely.
	if queue > queueDepthWarnThreshold {
		r.store.AddEvent(statestore.LevelWarn, "relay", "HIGH_QUEUE_DEPTH",
			fmt.Sprintf("%s queue depth: %d", direction, queue))
	}
}

func (r *relayGrammar) drop(c Captures) {
	r.store.AddEvent(statestore.LevelInfo, "relay", "PACKET_DROPPED",
		fmt.Sprintf("Dropped: %s (drill simulation)", c.Str("msg_type")))
}
