// Package config loads ground-station settings from a YAML file with
// built-in defaults, and validates them before a run can start.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Roles holds the paths of the three role-process executables. They are
// black boxes to the orchestration core: spawned, supervised, and
// decoded, never linked.
type Roles struct {
	Ground string `yaml:"ground"`
	Air    string `yaml:"air"`
	Relay  string `yaml:"relay"`
}

// Link configures the virtual pseudo-serial pair standing in for the
// radio transceiver.
type Link struct {
	// Mode selects the bridge implementation: "socat" spawns the
	// external pairing utility, "pty" opens an in-process PTY pair.
	Mode     string `yaml:"mode"`
	SocatBin string `yaml:"socat_bin"`
	TXPath   string `yaml:"tx_path"` // relay attaches here
	RXPath   string `yaml:"rx_path"` // air attaches here
	Baud     int    `yaml:"baud"`
}

// Endpoints holds the relay's UDP attachment points.
type Endpoints struct {
	RelayUDPIn  string `yaml:"relay_udp_in"`
	RelayUDPOut string `yaml:"relay_udp_out"`
	PX4TXPort   int    `yaml:"px4_tx_port"`
	PX4RXPort   int    `yaml:"px4_rx_port"`
}

// Limits bounds the ramp parameters an operator may request.
type Limits struct {
	MaxPowerW      float64 `yaml:"max_power_w"`
	MinPermitTTLMS int     `yaml:"min_permit_ttl_ms"`
	MaxPermitTTLMS int     `yaml:"max_permit_ttl_ms"`
	MinSendHz      float64 `yaml:"min_send_hz"`
	MaxSendHz      float64 `yaml:"max_send_hz"`
}

// Drill is the default link impairment handed to the relay.
type Drill struct {
	LossPct  float64 `yaml:"loss_pct"`
	DelayMS  int     `yaml:"delay_ms"`
	JitterMS int     `yaml:"jitter_ms"`
}

// Duration wraps time.Duration so YAML accepts "2s"-style values.
type Duration time.Duration

// D returns the wrapped time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Settle holds the fixed pauses inserted between process starts.
// These are a timing-based readiness heuristic, not a handshake: the
// next process starts whether or not the previous one is actually
// listening yet.
type Settle struct {
	Relay  Duration `yaml:"relay"`
	Air    Duration `yaml:"air"`
	Ground Duration `yaml:"ground"`
}

// Config is the root configuration.
type Config struct {
	Roles     Roles     `yaml:"roles"`
	Link      Link      `yaml:"link"`
	Endpoints Endpoints `yaml:"endpoints"`
	Limits    Limits    `yaml:"limits"`
	Drill     Drill     `yaml:"drill"`
	Settle    Settle    `yaml:"settle"`
	SimSeed   int       `yaml:"sim_seed"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Roles: Roles{
			Ground: "./permit_ground_power_ramp",
			Air:    "./permit_air_power_ramp",
			Relay:  "./mav_relay",
		},
		Link: Link{
			Mode:     "socat",
			SocatBin: "socat",
			TXPath:   "/tmp/ELRS_TX",
			RXPath:   "/tmp/ELRS_RX",
			Baud:     57600,
		},
		Endpoints: Endpoints{
			RelayUDPIn:  "udpin:0.0.0.0:14600",
			RelayUDPOut: "udpout:127.0.0.1:14560",
			PX4TXPort:   14780,
			PX4RXPort:   14740,
		},
		Limits: Limits{
			MaxPowerW:      500.0,
			MinPermitTTLMS: 200,
			MaxPermitTTLMS: 2000,
			MinSendHz:      1.0,
			MaxSendHz:      50.0,
		},
		Settle: Settle{
			Relay:  Duration(2 * time.Second),
			Air:    Duration(2 * time.Second),
			Ground: Duration(1 * time.Second),
		},
		SimSeed: 12345,
	}
}

// Load reads path and overlays it on the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks internal consistency, aggregating every problem
// instead of stopping at the first.
func (c Config) Validate() error {
	var errs []error
	if c.Roles.Ground == "" || c.Roles.Air == "" || c.Roles.Relay == "" {
		errs = append(errs, errors.New("all three role executables must be set"))
	}
	switch c.Link.Mode {
	case "socat", "pty":
	default:
		errs = append(errs, fmt.Errorf("link mode must be socat or pty, got %q", c.Link.Mode))
	}
	if c.Link.TXPath == "" || c.Link.RXPath == "" {
		errs = append(errs, errors.New("link tx_path and rx_path must be set"))
	}
	if c.Link.TXPath == c.Link.RXPath {
		errs = append(errs, errors.New("link endpoints must differ"))
	}
	if c.Limits.MaxPowerW <= 0 {
		errs = append(errs, errors.New("max_power_w must be positive"))
	}
	if c.Limits.MinPermitTTLMS <= 0 || c.Limits.MaxPermitTTLMS < c.Limits.MinPermitTTLMS {
		errs = append(errs, errors.New("permit TTL bounds are inverted or non-positive"))
	}
	if c.Limits.MinSendHz <= 0 || c.Limits.MaxSendHz < c.Limits.MinSendHz {
		errs = append(errs, errors.New("send rate bounds are inverted or non-positive"))
	}
	if c.Drill.LossPct < 0 || c.Drill.LossPct > 100 {
		errs = append(errs, fmt.Errorf("drill loss_pct %v outside [0,100]", c.Drill.LossPct))
	}
	return errors.Join(errs...)
}

// RolePatterns returns the executable-name patterns used to find stale
// role-processes from a previous crash.
func (c Config) RolePatterns() []string {
	return []string{
		filepath.Base(c.Roles.Relay),
		filepath.Base(c.Roles.Air),
		filepath.Base(c.Roles.Ground),
	}
}
