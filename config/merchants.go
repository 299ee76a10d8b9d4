package config

// MerchantKind distinguishes the two compile-time merchant shapes of
// spec.md §3: a fixed on-chain payment address versus a DNS domain trust
// anchor whose address is discovered at request time.
type MerchantKind int

const (
	MerchantKindStaticAddress MerchantKind = iota
	MerchantKindTrustedDomain
)

// Merchant is a compile-time entry in the known-merchant list; the anti-
// phishing pipeline's first layer (spec.md §4.5) requires every purchase to
// resolve to one of these.
type Merchant struct {
	AdapterID   string
	MerchantID  string
	ChainID     string
	Kind        MerchantKind
	Address     string // populated for MerchantKindStaticAddress
	Domain      string // populated for MerchantKindTrustedDomain
	PerOrderCap int64  // USD micros
}

// KnownMerchants is the constitutional merchant list: one example x402
// merchant and one example gift-card merchant. The list is compiled in; the
// TOML config has no merchants table that overrides or extends it.
func KnownMerchants() []Merchant {
	return []Merchant{
		{
			AdapterID: "x402", MerchantID: "x402-inference-market", ChainID: "base",
			Kind: MerchantKindTrustedDomain, Domain: "inference.market", PerOrderCap: 20_000_000,
		},
		{
			AdapterID: "giftcard", MerchantID: "giftcard-bitrefill", ChainID: "base",
			Kind: MerchantKindTrustedDomain, Domain: "api.bitrefill.com", PerOrderCap: 50_000_000,
		},
	}
}

// TrustedDomains is the constitutional list of DNS domains that may act as
// trust anchors for trusted-domain merchants.
func TrustedDomains() []string {
	domains := make([]string, 0)
	for _, m := range KnownMerchants() {
		if m.Kind == MerchantKindTrustedDomain && m.Domain != "" {
			domains = append(domains, m.Domain)
		}
	}
	return domains
}

// ChainProfile is a compile-time description of one supported chain: its
// native token's decimal precision and default RPC endpoint, per spec.md
// §4.2's "ChainExecutor maintains two chain profiles" requirement.
type ChainProfile struct {
	ChainID      string
	Name         string
	Decimals     int
	DefaultRPC   string
	GasSafetyBps int64 // applied as a multiplier: estimate * (10000+bps)/10000
}

// ChainProfiles returns the compile-time dual-chain configuration (default
// Base with a six-decimal token, default BSC with an eighteen-decimal token).
func ChainProfiles() []ChainProfile {
	return []ChainProfile{
		{ChainID: "base", Name: "Base", Decimals: 6, DefaultRPC: "https://mainnet.base.org", GasSafetyBps: 2_000},
		{ChainID: "bsc", Name: "BNB Smart Chain", Decimals: 18, DefaultRPC: "https://bsc-dataseed.binance.org", GasSafetyBps: 2_000},
	}
}
