package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	HTTP struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
		IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	} `mapstructure:"http"`
	Agents struct {
		// Endpoints maps agent id to its base URL, e.g.
		// code: http://127.0.0.1:8001
		Endpoints    map[string]string `mapstructure:"endpoints"`
		Timeout      time.Duration     `mapstructure:"timeout"`
		MaxRetries   int               `mapstructure:"max_retries"`
		CostEstimate float64           `mapstructure:"cost_estimate"`
	} `mapstructure:"agents"`
	// Pricing maps model name to USD per 1k tokens, used to convert agent
	// token usage into spend.
	Pricing  map[string]float64 `mapstructure:"pricing"`
	Workflow struct {
		DefaultModel     string  `mapstructure:"default_model"`
		DefaultBudgetCap float64 `mapstructure:"default_budget_cap"`
		DefaultMaxLoops  int     `mapstructure:"default_max_loops"`
	} `mapstructure:"workflow"`
}

// Load loads the configuration from a file and the environment. An empty
// path falls back to config.yaml in the working directory.
func Load(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		// Missing config file is fine, defaults and env cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if config.Workflow.DefaultMaxLoops < 1 {
		return nil, fmt.Errorf("workflow.default_max_loops must be >= 1, got %d", config.Workflow.DefaultMaxLoops)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", 5432)
	viper.SetDefault("db.user", "postgres")
	viper.SetDefault("db.name", "agentfactory")
	viper.SetDefault("db.sslmode", "disable")

	viper.SetDefault("http.addr", ":8080")
	viper.SetDefault("http.read_timeout", 15*time.Second)
	viper.SetDefault("http.write_timeout", 15*time.Second)
	viper.SetDefault("http.idle_timeout", 60*time.Second)

	viper.SetDefault("agents.timeout", 120*time.Second)
	viper.SetDefault("agents.max_retries", 2)
	viper.SetDefault("agents.cost_estimate", 0.05)
	viper.SetDefault("agents.endpoints", map[string]string{
		"stakeholder": "http://127.0.0.1:8008",
		"pm":          "http://127.0.0.1:8007",
		"it":          "http://127.0.0.1:8005",
		"dba":         "http://127.0.0.1:8006",
		"ui":          "http://127.0.0.1:8002",
		"code":        "http://127.0.0.1:8001",
		"qa":          "http://127.0.0.1:8003",
		"security":    "http://127.0.0.1:8004",
		"patch":       "http://127.0.0.1:8009",
	})

	viper.SetDefault("pricing", map[string]float64{
		"o4-mini":      0.004,
		"o4-mini-high": 0.008,
		"gpt-4o":       0.01,
	})

	viper.SetDefault("workflow.default_model", "o4-mini")
	viper.SetDefault("workflow.default_budget_cap", 1.0)
	viper.SetDefault("workflow.default_max_loops", 3)
}
