// Package config loads the node configuration from an optional YAML file
// with SLOTAUCTION_* environment overrides.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/eigerco/slotauction/internal/assignedslots"
	"github.com/eigerco/slotauction/internal/auction"
	"github.com/eigerco/slotauction/internal/chaintime"
	"github.com/eigerco/slotauction/internal/crowdloan"
	"github.com/eigerco/slotauction/internal/primitives"
	"github.com/eigerco/slotauction/pkg/log"
)

const EnvPrefix = "slotauction"

var ErrInvalidConfig = errors.New("invalid config")

type ctxKey string

const configContextKey ctxKey = "slotauction.config"

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

type Config struct {
	// Lease periods, in blocks.
	LeasePeriodLength uint32 `yaml:"leasePeriodLength" split_words:"true"`
	LeaseOffset       uint32 `yaml:"leaseOffset"       split_words:"true"`
	// Auction timing, in blocks.
	AuctionDuration uint32 `yaml:"auctionDuration" split_words:"true"`
	EndingPeriod    uint32 `yaml:"endingPeriod"    split_words:"true"`
	// Crowdloan economics.
	MinContribution uint64 `yaml:"minContribution" split_words:"true"`
	FundDeposit     uint64 `yaml:"fundDeposit"     split_words:"true"`
	RefundBatchSize int    `yaml:"refundBatchSize" split_words:"true"`
	// Assigned slots, lengths in lease periods.
	PermanentSlotPeriods       uint32 `yaml:"permanentSlotPeriods"       split_words:"true"`
	TemporarySlotPeriods       uint32 `yaml:"temporarySlotPeriods"       split_words:"true"`
	MaxPermanentSlots          int    `yaml:"maxPermanentSlots"          split_words:"true"`
	MaxTemporarySlots          int    `yaml:"maxTemporarySlots"          split_words:"true"`
	MaxTemporarySlotsPerPeriod int    `yaml:"maxTemporarySlotsPerPeriod" split_words:"true"`
	// DatabasePath is the pebble directory, empty for an in-memory store.
	DatabasePath string `yaml:"databasePath" split_words:"true"`
	MetricsAddr  string `yaml:"metricsAddr"  split_words:"true"`
	LogLevel     string `yaml:"logLevel"     split_words:"true"`
	LogType      string `yaml:"logType"      split_words:"true"`
}

// Default mirrors the relay chain's production parameters scaled down to a
// simulator friendly block count.
func Default() *Config {
	return &Config{
		LeasePeriodLength: 100,
		LeaseOffset:       0,
		AuctionDuration:   30,
		EndingPeriod:      20,
		MinContribution:   5,
		FundDeposit:       50,
		RefundBatchSize:   100,

		PermanentSlotPeriods:       26,
		TemporarySlotPeriods:       1,
		MaxPermanentSlots:          100,
		MaxTemporarySlots:          100,
		MaxTemporarySlotsPerPeriod: 5,

		LogLevel:          "info",
		LogType:           "console",
	}
}

// Load reads path, if not empty, over the defaults and then applies the
// environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.LeasePeriodLength == 0 {
		return fmt.Errorf("%w: lease period length must be positive", ErrInvalidConfig)
	}
	if c.AuctionDuration == 0 {
		return fmt.Errorf("%w: auction duration must be positive", ErrInvalidConfig)
	}
	if c.RefundBatchSize <= 0 {
		return fmt.Errorf("%w: refund batch size must be positive", ErrInvalidConfig)
	}
	if c.PermanentSlotPeriods == 0 || c.TemporarySlotPeriods == 0 {
		return fmt.Errorf("%w: assigned slot lease lengths must be positive", ErrInvalidConfig)
	}
	if _, err := log.ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, err := log.ParseLoggerType(c.LogType); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func (c *Config) Clock() (chaintime.Clock, error) {
	return chaintime.NewClock(chaintime.BlockNumber(c.LeasePeriodLength), chaintime.BlockNumber(c.LeaseOffset))
}

func (c *Config) Auction() auction.Config {
	return auction.Config{
		AuctionDuration: chaintime.BlockNumber(c.AuctionDuration),
		EndingPeriod:    chaintime.BlockNumber(c.EndingPeriod),
	}
}

func (c *Config) Crowdloan() crowdloan.Config {
	return crowdloan.Config{
		MinContribution: primitives.Balance(c.MinContribution),
		Deposit:         primitives.Balance(c.FundDeposit),
	}
}

func (c *Config) AssignedSlots() assignedslots.Config {
	return assignedslots.Config{
		PermanentPeriods:      c.PermanentSlotPeriods,
		TemporaryPeriods:      c.TemporarySlotPeriods,
		MaxPermanent:          c.MaxPermanentSlots,
		MaxTemporary:          c.MaxTemporarySlots,
		MaxTemporaryPerPeriod: c.MaxTemporarySlotsPerPeriod,
	}
}

// LogOptions converts the logging settings; debug forces the debug level.
func (c *Config) LogOptions(debug bool) (log.Options, error) {
	level, err := log.ParseLogLevel(c.LogLevel)
	if err != nil {
		return log.Options{}, err
	}
	if debug {
		level = zerolog.DebugLevel
	}
	typ, err := log.ParseLoggerType(c.LogType)
	if err != nil {
		return log.Options{}, err
	}
	return log.Options{LogLevel: level, Type: typ}, nil
}
