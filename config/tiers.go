package config

// ModelTier is a balance-indexed routing rule: at a given tier, CostGuard
// selects this provider/model pair with this token budget, temperature, and
// request ceiling. Mirrors spec.md §3 ModelTier.
type ModelTier struct {
	Level             int
	Name              string
	ProviderID        string
	ModelID           string
	MaxTokens         int
	Temperature       float64
	DailyBudgetBase   int64
	DailyBudgetRate   float64
	MaxRequestsPerMin int
	// BalanceFloorUSD is the minimum aggregate vault balance (in whole USD
	// units) required to select this tier; tiers are evaluated from the
	// highest floor down, first match wins.
	BalanceFloorUSD int64
}

// Tiers is the compile-time tier table, highest balance floor first.
func Tiers() []ModelTier {
	return []ModelTier{
		{
			Level: 5, Name: "flagship", ProviderID: "anthropic", ModelID: "claude-opus",
			MaxTokens: 8192, Temperature: 0.7, DailyBudgetBase: 50, DailyBudgetRate: 0.02,
			MaxRequestsPerMin: 60, BalanceFloorUSD: 50_000,
		},
		{
			Level: 4, Name: "premium", ProviderID: "anthropic", ModelID: "claude-sonnet",
			MaxTokens: 4096, Temperature: 0.7, DailyBudgetBase: 15, DailyBudgetRate: 0.015,
			MaxRequestsPerMin: 60, BalanceFloorUSD: 5_000,
		},
		{
			Level: 3, Name: "standard", ProviderID: "openai", ModelID: "gpt-4o-mini",
			MaxTokens: 2048, Temperature: 0.6, DailyBudgetBase: 5, DailyBudgetRate: 0.01,
			MaxRequestsPerMin: 60, BalanceFloorUSD: 500,
		},
		{
			Level: 2, Name: "economy", ProviderID: "groq", ModelID: "llama-3-70b",
			MaxTokens: 1024, Temperature: 0.5, DailyBudgetBase: 1, DailyBudgetRate: 0.005,
			MaxRequestsPerMin: 30, BalanceFloorUSD: 50,
		},
		{
			Level: 1, Name: "survival", ProviderID: "groq-free", ModelID: "llama-3-8b",
			MaxTokens: 512, Temperature: 0.3, DailyBudgetBase: 0, DailyBudgetRate: 0.005,
			MaxRequestsPerMin: 15, BalanceFloorUSD: 0,
		},
	}
}

// ProviderConfig is the compile-time routing/fallback configuration for an
// LLM provider; secrets (API keys) are resolved at boot from the environment,
// never embedded here.
type ProviderConfig struct {
	ID           string
	BaseURL      string
	APIKeyEnv    string
	AvgCostMicro int64
	Free         bool
	Priority     int
	Fallback     []string
}

// Providers is the compile-time provider registry and fallback chain table.
func Providers() []ProviderConfig {
	return []ProviderConfig{
		{ID: "anthropic", BaseURL: "https://api.anthropic.com", APIKeyEnv: "ANTHROPIC_API_KEY", AvgCostMicro: 15_000, Priority: 1, Fallback: []string{"openai", "groq"}},
		{ID: "openai", BaseURL: "https://api.openai.com", APIKeyEnv: "OPENAI_API_KEY", AvgCostMicro: 5_000, Priority: 2, Fallback: []string{"groq", "groq-free"}},
		{ID: "groq", BaseURL: "https://api.groq.com", APIKeyEnv: "GROQ_API_KEY", AvgCostMicro: 500, Priority: 3, Fallback: []string{"groq-free"}},
		{ID: "groq-free", BaseURL: "https://api.groq.com", APIKeyEnv: "GROQ_API_KEY", AvgCostMicro: 0, Free: true, Priority: 4, Fallback: nil},
	}
}
