package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/utakatalp/league-outlook/internal/rating"
	"github.com/utakatalp/league-outlook/internal/simulation"
)

type Config struct {
	// Server
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	// Database
	DatabaseDriver string `mapstructure:"DATABASE_DRIVER"` // "postgres" or "sqlite"
	DatabaseURL    string `mapstructure:"DATABASE_URL"`

	LogLevel string `mapstructure:"LOG_LEVEL"`

	// Model artifact; empty falls back to the heuristic model
	ModelPath string `mapstructure:"MODEL_PATH"`

	// Rating tracker
	EloBaseRating       float64 `mapstructure:"ELO_BASE_RATING"`
	EloKFactor          float64 `mapstructure:"ELO_K_FACTOR"`
	EloHomeAdvantage    float64 `mapstructure:"ELO_HOME_ADVANTAGE"`
	EloSeasonRegression float64 `mapstructure:"ELO_SEASON_REGRESSION"`
	EloMarginScaling    bool    `mapstructure:"ELO_MARGIN_SCALING"`
	FormWindow          int     `mapstructure:"FORM_WINDOW"`
	MinHistory          int     `mapstructure:"MIN_HISTORY"`
	HeadToHeadWindow    int     `mapstructure:"H2H_WINDOW"`

	// Simulation
	SimReplicas         int     `mapstructure:"SIM_REPLICAS"`
	SimWorkers          int     `mapstructure:"SIM_WORKERS"`
	SimSeed             uint64  `mapstructure:"SIM_SEED"`
	SimTopN             int     `mapstructure:"SIM_TOP_N"`
	SimInvalidThreshold float64 `mapstructure:"SIM_INVALID_THRESHOLD"`
	SimConfidenceLevel  float64 `mapstructure:"SIM_CONFIDENCE_LEVEL"`
	ProbTolerance       float64 `mapstructure:"PROB_TOLERANCE"`
	FillMissingFixtures bool    `mapstructure:"FILL_MISSING_FIXTURES"`
	MaxReplicas         int     `mapstructure:"MAX_REPLICAS"`

	// Scheduling and API
	RefreshSchedule string   `mapstructure:"REFRESH_SCHEDULE"`
	APIRateLimit    float64  `mapstructure:"API_RATE_LIMIT"` // requests per second
	APIBurst        int      `mapstructure:"API_BURST"`
	Leagues         []string `mapstructure:"LEAGUES"`
}

// LoadConfig reads defaults, an optional .env file and the environment.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("..")

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DATABASE_DRIVER", "postgres")
	v.SetDefault("DATABASE_URL", "host=localhost port=5432 user=postgres dbname=league_outlook sslmode=disable")
	v.SetDefault("LOG_LEVEL", "")
	v.SetDefault("MODEL_PATH", "")

	v.SetDefault("ELO_BASE_RATING", 1500.0)
	v.SetDefault("ELO_K_FACTOR", 20.0)
	v.SetDefault("ELO_HOME_ADVANTAGE", 60.0)
	v.SetDefault("ELO_SEASON_REGRESSION", 0.25)
	v.SetDefault("ELO_MARGIN_SCALING", false)
	v.SetDefault("FORM_WINDOW", 5)
	v.SetDefault("MIN_HISTORY", 3)
	v.SetDefault("H2H_WINDOW", 10)

	v.SetDefault("SIM_REPLICAS", 100000)
	v.SetDefault("SIM_WORKERS", 0) // 0 = one per CPU
	v.SetDefault("SIM_SEED", 42)
	v.SetDefault("SIM_TOP_N", 4)
	v.SetDefault("SIM_INVALID_THRESHOLD", 0.01)
	v.SetDefault("SIM_CONFIDENCE_LEVEL", 0.95)
	v.SetDefault("PROB_TOLERANCE", 1e-6)
	v.SetDefault("FILL_MISSING_FIXTURES", false)
	v.SetDefault("MAX_REPLICAS", 2000000)

	v.SetDefault("REFRESH_SCHEDULE", "0 4 * * *") // daily at 04:00
	v.SetDefault("API_RATE_LIMIT", 5.0)
	v.SetDefault("API_BURST", 10)
	v.SetDefault("LEAGUES", "EPL,LaLiga,SerieA,Bundesliga,Ligue1")

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// comma-separated in env files
	config.Leagues = nil
	if leagues := v.GetString("LEAGUES"); leagues != "" {
		for _, l := range strings.Split(leagues, ",") {
			if l = strings.TrimSpace(l); l != "" {
				config.Leagues = append(config.Leagues, l)
			}
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.EloKFactor <= 0 {
		return fmt.Errorf("ELO_K_FACTOR must be positive")
	}
	if c.EloSeasonRegression < 0 || c.EloSeasonRegression > 1 {
		return fmt.Errorf("ELO_SEASON_REGRESSION must be within [0,1]")
	}
	if c.SimReplicas <= 0 || c.SimReplicas > c.MaxReplicas {
		return fmt.Errorf("SIM_REPLICAS must be within 1..%d", c.MaxReplicas)
	}
	if c.SimConfidenceLevel <= 0 || c.SimConfidenceLevel >= 1 {
		return fmt.Errorf("SIM_CONFIDENCE_LEVEL must be within (0,1)")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Rating returns the tracker settings.
func (c *Config) Rating() rating.Config {
	return rating.Config{
		BaseRating:       c.EloBaseRating,
		KFactor:          c.EloKFactor,
		HomeAdvantage:    c.EloHomeAdvantage,
		SeasonRegression: c.EloSeasonRegression,
		MarginScaling:    c.EloMarginScaling,
		FormWindow:       c.FormWindow,
		MinHistory:       c.MinHistory,
		HeadToHeadWindow: c.HeadToHeadWindow,
		DefaultRestDays:  7,
	}
}

// Simulation returns the simulator settings.
func (c *Config) Simulation() simulation.Config {
	return simulation.Config{
		Workers:          c.SimWorkers,
		TopN:             c.SimTopN,
		Tolerance:        c.ProbTolerance,
		InvalidThreshold: c.SimInvalidThreshold,
		ConfidenceLevel:  c.SimConfidenceLevel,
	}
}
