package wheel

import (
	"fmt"
	"sort"

	"github.com/cjeanneret/FilterGo/internal/config"
	"github.com/cjeanneret/FilterGo/internal/hw/stepper"
	"github.com/cjeanneret/FilterGo/internal/logic/geometry"
	"github.com/cjeanneret/FilterGo/internal/logic/ramp"
)

// Filter is a wheel slot with its external code.
type Filter struct {
	Code uint8
	Name string
	Slot int
}

// Speed is a motion profile: micro-step mode plus ramp.
type Speed struct {
	Microstep stepper.Microstep
	Ramp      ramp.Profile
}

// Config is everything the engine needs besides hardware.
type Config struct {
	Filters  []Filter // indexed by slot
	Home     Speed
	Out      Speed
	Limits   Limits
	Geometry *geometry.StepsCalculator
}

// ConfigFrom derives the engine configuration from the application config.
func ConfigFrom(cfg *config.Config) (Config, error) {
	filters := make([]Filter, 0, len(cfg.Wheel.Filters))
	for _, f := range cfg.Wheel.Filters {
		filters = append(filters, Filter{Code: uint8(f.Code), Name: f.Name, Slot: f.Slot})
	}
	sort.Slice(filters, func(i, j int) bool { return filters[i].Slot < filters[j].Slot })

	home, err := speedFrom("home", cfg.Speed.Home)
	if err != nil {
		return Config{}, err
	}
	out, err := speedFrom("out", cfg.Speed.Out)
	if err != nil {
		return Config{}, err
	}

	geom := geometry.NewStepsCalculator(cfg)
	return Config{
		Filters: filters,
		Home:    home,
		Out:     out,
		Limits: Limits{
			MaxInterSlot: geom.MaxInterSlotPulses(),
			HomeValidate: geom.HomeValidationPulses(),
			HalfDark:     geom.HalfDarkPulses(),
		},
		Geometry: geom,
	}, nil
}

func speedFrom(name string, p config.SpeedProfileConfig) (Speed, error) {
	ms, err := stepper.MicrostepFromDivisor(p.Microstep)
	if err != nil {
		return Speed{}, fmt.Errorf("speed.%s: %w", name, err)
	}
	r := ramp.Profile{
		InitPeriod:  uint16(p.InitPeriodUs),
		FinalPeriod: uint16(p.FinalPeriodUs),
		Decrement:   uint16(p.RampUs),
	}
	if err := r.Validate(); err != nil {
		return Speed{}, fmt.Errorf("speed.%s: %w", name, err)
	}
	return Speed{Microstep: ms, Ramp: r}, nil
}

// PositionsFrom returns the configured filter positions as a fixed table.
func PositionsFrom(cfg *config.Config) PositionTable {
	t := make(PositionTable, len(cfg.Wheel.Filters))
	for _, f := range cfg.Wheel.Filters {
		t[uint8(f.Code)] = uint32(f.PositionUm)
	}
	return t
}
