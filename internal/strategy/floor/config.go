package floor

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/gridflow-lab/gridflow/pkg/errors"
)

// Scaling modes for retracement lot sizing.
const (
	ScalingAdditive       = "additive"
	ScalingMultiplicative = "multiplicative"
)

// Profile defines the pip distances of one floor. Floors deeper than the
// profile list reuse the last profile.
type Profile struct {
	TakeProfitPips  float64 `yaml:"take_profit_pips" json:"take_profit_pips" validate:"gt=0"`
	RetracementPips float64 `yaml:"retracement_pips" json:"retracement_pips" validate:"gt=0"`
}

// VolatilityConfig tunes the ATR-based volatility lock. When disabled the
// check never locks.
type VolatilityConfig struct {
	Enabled          bool    `yaml:"enabled" json:"enabled"`
	ShortPeriod      int     `yaml:"short_period" json:"short_period" validate:"gte=1"`
	BaselinePeriod   int     `yaml:"baseline_period" json:"baseline_period" validate:"gte=1"`
	LockMultiplier   float64 `yaml:"lock_multiplier" json:"lock_multiplier" validate:"gt=0"`
	UnlockMultiplier float64 `yaml:"unlock_multiplier" json:"unlock_multiplier" validate:"gt=0"`
}

// MarginConfig tunes the margin-protection guard. Disabled is a valid and
// tested state: no events, no forced closes.
type MarginConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Leverage    float64 `yaml:"leverage" json:"leverage" validate:"gt=0"`
	StartRatio  float64 `yaml:"start_ratio" json:"start_ratio" validate:"gt=0"`
	TargetRatio float64 `yaml:"target_ratio" json:"target_ratio" validate:"gt=0"`
}

// MarketOverrideConfig suppresses new entries when the spread blows out.
type MarketOverrideConfig struct {
	Enabled       bool    `yaml:"enabled" json:"enabled"`
	MaxSpreadPips float64 `yaml:"max_spread_pips" json:"max_spread_pips" validate:"gte=0"`
}

// Config is the YAML configuration of the floor strategy.
type Config struct {
	Instrument              string               `yaml:"instrument" json:"instrument" validate:"required"`
	Direction               string               `yaml:"direction" json:"direction" validate:"oneof=long short"`
	PipSize                 float64              `yaml:"pip_size" json:"pip_size" validate:"gt=0"`
	BaseUnits               float64              `yaml:"base_units" json:"base_units" validate:"gt=0"`
	ScalingMode             string               `yaml:"scaling_mode" json:"scaling_mode" validate:"oneof=additive multiplicative"`
	ScalingStep             float64              `yaml:"scaling_step" json:"scaling_step" validate:"gte=0"`
	ScalingFactor           float64              `yaml:"scaling_factor" json:"scaling_factor" validate:"gte=0"`
	MaxRetracementsPerLayer int                  `yaml:"max_retracements_per_layer" json:"max_retracements_per_layer" validate:"gte=1"`
	MaxLayers               int                  `yaml:"max_layers" json:"max_layers" validate:"gte=1"`
	FloorProfiles           []Profile            `yaml:"floor_profiles" json:"floor_profiles" validate:"min=1,dive"`
	Volatility              VolatilityConfig     `yaml:"volatility" json:"volatility"`
	Margin                  MarginConfig         `yaml:"margin" json:"margin"`
	MarketOverride          MarketOverrideConfig `yaml:"market_override" json:"market_override"`
	SellAtCompletion        bool                 `yaml:"sell_at_completion" json:"sell_at_completion"`
}

// DefaultConfig returns a conservative EUR/USD configuration.
func DefaultConfig() Config {
	return Config{
		Instrument:              "EUR_USD",
		Direction:               "long",
		PipSize:                 0.0001,
		BaseUnits:               1000,
		ScalingMode:             ScalingAdditive,
		ScalingStep:             1000,
		ScalingFactor:           2,
		MaxRetracementsPerLayer: 3,
		MaxLayers:               4,
		FloorProfiles: []Profile{
			{TakeProfitPips: 10, RetracementPips: 15},
			{TakeProfitPips: 15, RetracementPips: 20},
			{TakeProfitPips: 20, RetracementPips: 30},
			{TakeProfitPips: 30, RetracementPips: 40},
		},
		Volatility: VolatilityConfig{
			Enabled:          true,
			ShortPeriod:      14,
			BaselinePeriod:   50,
			LockMultiplier:   2,
			UnlockMultiplier: 1.2,
		},
		Margin: MarginConfig{
			Enabled:     true,
			Leverage:    30,
			StartRatio:  0.5,
			TargetRatio: 1,
		},
		MarketOverride: MarketOverrideConfig{
			Enabled:       false,
			MaxSpreadPips: 3,
		},
		SellAtCompletion: true,
	}
}

// ParseConfig unmarshals and validates a YAML configuration. An empty
// string yields the defaults.
func ParseConfig(raw string) (Config, error) {
	config := DefaultConfig()

	if raw != "" {
		if err := yaml.Unmarshal([]byte(raw), &config); err != nil {
			return Config{}, errors.Wrap(errors.ErrCodeStrategyConfigError, "failed to parse floor strategy config", err)
		}
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}

	return config, nil
}

// Validate checks the configuration invariants.
func (c Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeStrategyConfigError, "invalid floor strategy config", err)
	}

	if c.ScalingMode == ScalingAdditive && c.ScalingStep <= 0 {
		return errors.New(errors.ErrCodeStrategyConfigError, "additive scaling requires scaling_step > 0")
	}

	if c.ScalingMode == ScalingMultiplicative && c.ScalingFactor <= 1 {
		return errors.New(errors.ErrCodeStrategyConfigError, "multiplicative scaling requires scaling_factor > 1")
	}

	if c.Volatility.Enabled && c.Volatility.ShortPeriod >= c.Volatility.BaselinePeriod {
		return errors.New(errors.ErrCodeStrategyConfigError, "volatility short_period must be below baseline_period")
	}

	if c.Margin.Enabled && c.Margin.StartRatio >= c.Margin.TargetRatio {
		return errors.New(errors.ErrCodeStrategyConfigError, "margin start_ratio must be below target_ratio")
	}

	return nil
}

// JSONSchema renders the config schema for admin tooling.
func JSONSchema() ([]byte, error) {
	schema := jsonschema.Reflect(&Config{})

	rendered, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStrategyConfigError, "failed to render config schema", err)
	}

	return rendered, nil
}

// profile returns the pip distances for a floor index, reusing the last
// profile for deeper floors.
func (c Config) profile(floorIndex int) Profile {
	if floorIndex < len(c.FloorProfiles) {
		return c.FloorProfiles[floorIndex]
	}

	return c.FloorProfiles[len(c.FloorProfiles)-1]
}

// pipSize returns the pip size as an exact decimal.
func (c Config) pipSize() decimal.Decimal {
	return decimal.NewFromFloat(c.PipSize)
}
