package config

import "github.com/spf13/viper"

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds all runtime configuration for the scheduling agent daemon.
type Config struct {
	Port       int
	DBPath     string
	CORSOrigin string

	// Model tiers for the cost router. FastModel is the low-cost/low-latency
	// tier, BalancedModel the higher-quality tier. They may be configured to
	// the same model id; routing then only affects reporting.
	FastModel       string
	BalancedModel   string
	RoutingStrategy string

	DefaultVariant string

	// Budget caps in USD. Zero disables the corresponding cap.
	PerRequestBudgetUSD float64
	DailyBudgetUSD      float64
	MonthlyBudgetUSD    float64
	BudgetAutoTrim      bool

	SafetyChecks         bool
	PIIRedactionStrategy string // "full" or "partial"

	ResponseCache bool
	CacheTTL      int // seconds
	CacheMaxSize  int

	BatchingEnabled bool

	ShutdownTimeout int // seconds
}

// Load reads configuration from viper, which merges flag values, env vars,
// and defaults (set up by the cobra command in cmd/schedulerd).
func Load() Config {
	return Config{
		Port:       viper.GetInt("port"),
		DBPath:     viper.GetString("db_path"),
		CORSOrigin: viper.GetString("cors_origin"),

		FastModel:       viper.GetString("fast_model"),
		BalancedModel:   viper.GetString("balanced_model"),
		RoutingStrategy: viper.GetString("routing_strategy"),

		DefaultVariant: viper.GetString("default_variant"),

		PerRequestBudgetUSD: viper.GetFloat64("per_request_budget_limit"),
		DailyBudgetUSD:      viper.GetFloat64("daily_budget_limit"),
		MonthlyBudgetUSD:    viper.GetFloat64("monthly_budget_limit"),
		BudgetAutoTrim:      viper.GetBool("budget_auto_trim"),

		SafetyChecks:         viper.GetBool("enable_safety_checks"),
		PIIRedactionStrategy: viper.GetString("pii_redaction_strategy"),

		ResponseCache: viper.GetBool("enable_response_cache"),
		CacheTTL:      viper.GetInt("cache_ttl"),
		CacheMaxSize:  viper.GetInt("cache_max_size"),

		BatchingEnabled: viper.GetBool("enable_batching"),

		ShutdownTimeout: viper.GetInt("shutdown_timeout"),
	}
}
