package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxSlots bounds the number of wheel slots (fixed-size sequencer storage).
const MaxSlots = 8

// DriverConfig holds the stepper driver wiring (BCM pins). 0 = not used.
type DriverConfig struct {
	StepPin   int `yaml:"step_pin"`
	DirPin    int `yaml:"dir_pin"`
	MS1Pin    int `yaml:"ms1_pin"`
	MS2Pin    int `yaml:"ms2_pin"`
	RefAPin   int `yaml:"ref_a_pin"`  // current limit select (1)
	RefBPin   int `yaml:"ref_b_pin"`  // current limit select (2)
	EnablePin int `yaml:"enable_pin"` // active LOW
	ResetPin  int `yaml:"reset_pin"`  // active LOW
	SleepPin  int `yaml:"sleep_pin"`  // active LOW
}

// OptoConfig describes the optical interrupter input.
type OptoConfig struct {
	Pin         int   `yaml:"pin"`
	EngagedHigh *bool `yaml:"engaged_high,omitempty"` // pin level meaning "beam blocked" (default true)
}

// LightConfig describes the indicator light output.
type LightConfig struct {
	Pin      int `yaml:"pin"`       // 0 = no light wired
	TimeoutS *int `yaml:"timeout_s,omitempty"` // auto-off delay in seconds (default 5, 0 = stays on)
}

// FilterConfig maps an external filter code to a wheel slot.
type FilterConfig struct {
	Code       int    `yaml:"code"`        // external identifier (1..255)
	Name       string `yaml:"name"`        // e.g., "filter1", "mirror"
	Slot       int    `yaml:"slot"`        // wheel slot index, 0 = closest to home
	PositionUm int    `yaml:"position_um"` // distance from the previous free edge to the slot
}

// WheelConfig holds the mechanical geometry of the wheel.
type WheelConfig struct {
	StepUm       int            `yaml:"step_um"`        // linear travel per micro-step
	DarkSlotUm   int            `yaml:"dark_slot_um"`   // width of an ordinary dark band
	LightSlotUm  int            `yaml:"light_slot_um"`  // width of a light band
	HomeMarginUm int            `yaml:"home_margin_um"` // extra width of the home band used for validation
	Filters      []FilterConfig `yaml:"filters"`
}

// SpeedProfileConfig is one motion profile (periods in microseconds).
type SpeedProfileConfig struct {
	Microstep     int `yaml:"microstep"` // 1, 2, 4 or 16
	InitPeriodUs  int `yaml:"init_period_us"`
	FinalPeriodUs int `yaml:"final_period_us"`
	RampUs        int `yaml:"ramp_us"` // period decrement per step
}

// SpeedConfig holds the homing and outbound profiles.
type SpeedConfig struct {
	Home SpeedProfileConfig `yaml:"home"`
	Out  SpeedProfileConfig `yaml:"out"`
}

// SerialConfig enables the command console on a serial port.
type SerialConfig struct {
	Port string `yaml:"port"` // empty = console disabled
	Baud int    `yaml:"baud"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // simulate the wheel (true=dev/test, false=real Raspberry Pi)
	SimStartUm int  `yaml:"sim_start_um"`
}

// Config aggregates all application configuration.
type Config struct {
	Driver   DriverConfig   `yaml:"driver"`
	Opto     OptoConfig     `yaml:"opto"`
	Light    LightConfig    `yaml:"light"`
	Wheel    WheelConfig    `yaml:"wheel"`
	Speed    SpeedConfig    `yaml:"speed"`
	Serial   SerialConfig   `yaml:"serial"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// ValidateConfigPath accepts only .yaml files located directly in a
// configs/ directory.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied
// (the factory five-slot wheel).
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// DefaultFilters is the factory filter table: four filters and a mirror,
// with the mirror in the middle slot.
func DefaultFilters() []FilterConfig {
	return []FilterConfig{
		{Code: 1, Name: "filter1", Slot: 0, PositionUm: 100},
		{Code: 2, Name: "filter2", Slot: 1},
		{Code: 3, Name: "filter3", Slot: 3},
		{Code: 4, Name: "filter4", Slot: 4},
		{Code: 5, Name: "mirror", Slot: 2},
	}
}

func (c *Config) applyDefaults() {
	if c.Opto.EngagedHigh == nil {
		v := true
		c.Opto.EngagedHigh = &v
	}
	if c.Light.TimeoutS == nil {
		v := 5
		c.Light.TimeoutS = &v
	}

	w := &c.Wheel
	if w.StepUm <= 0 {
		w.StepUm = 13
	}
	if w.DarkSlotUm <= 0 {
		w.DarkSlotUm = 2000
	}
	if w.LightSlotUm <= 0 {
		w.LightSlotUm = 18000
	}
	if w.HomeMarginUm <= 0 {
		w.HomeMarginUm = 1000
	}
	if len(w.Filters) == 0 {
		w.Filters = DefaultFilters()
	}

	defaultProfile(&c.Speed.Home, 1500)
	defaultProfile(&c.Speed.Out, 2000)

	if c.Serial.Baud <= 0 {
		c.Serial.Baud = 115200
	}
}

func defaultProfile(p *SpeedProfileConfig, initPeriod int) {
	if p.Microstep <= 0 {
		p.Microstep = 16
	}
	if p.InitPeriodUs <= 0 {
		p.InitPeriodUs = initPeriod
	}
	if p.FinalPeriodUs <= 0 {
		p.FinalPeriodUs = 150
	}
	if p.RampUs <= 0 {
		p.RampUs = 20
	}
}

// Validate checks the configuration for values the positioning engine
// cannot work with.
func (c *Config) Validate() error {
	w := c.Wheel
	if w.StepUm <= 0 {
		return fmt.Errorf("wheel.step_um must be > 0, got %d", w.StepUm)
	}
	if w.DarkSlotUm/w.StepUm < 2 {
		return fmt.Errorf("wheel.dark_slot_um must span at least 2 steps of %dum, got %d", w.StepUm, w.DarkSlotUm)
	}
	if n := len(w.Filters); n > MaxSlots {
		return fmt.Errorf("wheel.filters: at most %d slots supported, got %d", MaxSlots, n)
	}

	codes := make(map[int]bool)
	slots := make(map[int]bool)
	for i, f := range w.Filters {
		if f.Code < 1 || f.Code > 255 {
			return fmt.Errorf("wheel.filters[%d]: code must be between 1 and 255, got %d", i, f.Code)
		}
		if codes[f.Code] {
			return fmt.Errorf("wheel.filters[%d]: duplicate code %d", i, f.Code)
		}
		codes[f.Code] = true
		if f.Slot < 0 || f.Slot >= len(w.Filters) {
			return fmt.Errorf("wheel.filters[%d]: slot must be between 0 and %d, got %d", i, len(w.Filters)-1, f.Slot)
		}
		if slots[f.Slot] {
			return fmt.Errorf("wheel.filters[%d]: duplicate slot %d", i, f.Slot)
		}
		slots[f.Slot] = true
		if f.PositionUm < 0 || f.PositionUm > w.LightSlotUm {
			return fmt.Errorf("wheel.filters[%d]: position_um must be between 0 and %d, got %d", i, w.LightSlotUm, f.PositionUm)
		}
	}

	for name, p := range map[string]SpeedProfileConfig{"home": c.Speed.Home, "out": c.Speed.Out} {
		switch p.Microstep {
		case 1, 2, 4, 16:
		default:
			return fmt.Errorf("speed.%s.microstep must be 1, 2, 4 or 16, got %d", name, p.Microstep)
		}
		if p.InitPeriodUs > 65535 {
			return fmt.Errorf("speed.%s.init_period_us must be <= 65535, got %d", name, p.InitPeriodUs)
		}
		if p.FinalPeriodUs > p.InitPeriodUs {
			return fmt.Errorf("speed.%s: final_period_us (%d) must be <= init_period_us (%d)", name, p.FinalPeriodUs, p.InitPeriodUs)
		}
		if p.RampUs > 65535 {
			return fmt.Errorf("speed.%s.ramp_us must be <= 65535, got %d", name, p.RampUs)
		}
	}

	if t := c.LightTimeoutSeconds(); t < 0 || t > 255 {
		return fmt.Errorf("light.timeout_s must be between 0 and 255, got %d", t)
	}

	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

// EngagedHigh reports the opto level that means "beam blocked".
func (c *Config) EngagedHigh() bool {
	return c.Opto.EngagedHigh == nil || *c.Opto.EngagedHigh
}

// LightTimeoutSeconds returns the indicator light auto-off delay in
// seconds. 0 keeps the light on.
func (c *Config) LightTimeoutSeconds() int {
	if c.Light.TimeoutS == nil {
		return 5
	}
	return *c.Light.TimeoutS
}

// LightTimeout returns the indicator light auto-off delay.
func (c *Config) LightTimeout() time.Duration {
	return time.Duration(c.LightTimeoutSeconds()) * time.Second
}

// Filter returns the filter entry for code.
func (c *Config) Filter(code int) (FilterConfig, bool) {
	for _, f := range c.Wheel.Filters {
		if f.Code == code {
			return f, true
		}
	}
	return FilterConfig{}, false
}
