// Package peerfetcher implements heartbeat.PeerDataFetcher: gathering the
// facts peerverify.Engine's ten-check pipeline then cross-examines. The
// eight structural facts (spec.md §4.4 checks 1-8) come straight off chain
// via chainexec.Executor.ReadPeerVaultState; this package never trusts a
// peer's self-report for anything a contract read can answer directly. Only
// the two purely behavioral inputs that no contract exposes — activity
// cadence and spend-category diversity, plus the expected-nonce baseline
// used to compute the nonce-anomaly ratio — are still gathered from the
// peer's self-reported status document, grounded on the x402/gift-card
// adapters' plain http.Client + JSON-decode idiom in native/purchasing.
package peerfetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	gethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/nhbvault/agentd/chainexec"
	"github.com/nhbvault/agentd/core/agenterrors"
	"github.com/nhbvault/agentd/native/peerverify"
)

// behaviorWire is the self-reported behavioral document every peer is
// expected to publish at its registered URL's /status path; it carries
// only signals no on-chain read can supply.
type behaviorWire struct {
	ExpectedNonceRange uint64  `json:"expected_nonce_range"`
	ActivityVariance   float64 `json:"activity_variance"`
	SpendDiversity     float64 `json:"spend_diversity"`
}

// ChainReader is the subset of chainexec.Executor peerfetcher needs: a
// direct, on-chain read of a candidate peer's vault contract state.
type ChainReader interface {
	ReadPeerVaultState(ctx context.Context, chain string, vault gethcommon.Address) (chainexec.PeerVaultState, *agenterrors.Error)
}

// Fetcher implements heartbeat.PeerDataFetcher, combining an on-chain
// ChainReader for structural facts with a self-reported HTTP document for
// the behavioral-only remainder.
type Fetcher struct {
	Chain      ChainReader
	ChainID    string
	URLs       map[string]string // address -> registered base URL
	HTTPClient *http.Client
}

func (f *Fetcher) client() *http.Client {
	if f.HTTPClient != nil {
		return f.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// Fetch reads a peer's vault contract state on-chain and folds in the
// self-reported behavioral fields peerverify.Engine's BEHAVIORAL-only
// checks need (spec.md §4.4 checks 9-10).
func (f *Fetcher) Fetch(ctx context.Context, address string) (peerverify.PeerData, error) {
	baseURL, ok := f.URLs[address]
	if !ok {
		return peerverify.PeerData{}, fmt.Errorf("peerfetcher: no registered URL for peer %s", address)
	}

	vault := gethcommon.HexToAddress(address)
	state, errResult := f.Chain.ReadPeerVaultState(ctx, f.ChainID, vault)
	if errResult != nil {
		return peerverify.PeerData{}, fmt.Errorf("peerfetcher: read peer vault state for %s: %w", address, errResult)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/status", nil)
	if err != nil {
		return peerverify.PeerData{}, fmt.Errorf("peerfetcher: build request: %w", err)
	}
	resp, err := f.client().Do(req)
	if err != nil {
		return peerverify.PeerData{}, fmt.Errorf("peerfetcher: fetch status from %s: %w", address, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return peerverify.PeerData{}, fmt.Errorf("peerfetcher: peer %s status endpoint returned %d", address, resp.StatusCode)
	}

	var wire behaviorWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return peerverify.PeerData{}, fmt.Errorf("peerfetcher: decode status from %s: %w", address, err)
	}

	return peerverify.PeerData{
		Address:            address,
		ChainID:            f.ChainID,
		AIWallet:           state.AIWallet.Hex(),
		Creator:            state.Creator.Hex(),
		Alive:              state.Alive,
		GraceDays:          int(state.GraceDays),
		DeploymentMethod:   state.DeploymentMethod,
		BytecodeHash:       state.BytecodeHash.Hex(),
		BalanceUSD:         int64(state.Balance),
		NonceCount:         state.Nonce,
		ExpectedNonceRange: wire.ExpectedNonceRange,
		BirthTimestamp:     state.CreatedAt,
		ActivityVariance:   wire.ActivityVariance,
		SpendDiversity:     wire.SpendDiversity,
	}, nil
}
