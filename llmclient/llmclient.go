// Package llmclient is the concrete cost-gated LLM caller that backs the
// two judgment seams heartbeat needs: proposing a debt-repayment amount
// and evaluating a creator's governance suggestion. CostGuard decides
// which tier/provider may be called and records the outcome; this package
// only owns the HTTP round trip and response parsing. Grounded on the
// peer/x402/gift-card adapters' http.Client + context-deadline idiom in
// native/purchasing.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/nhbvault/agentd/core/types"
	"github.com/nhbvault/agentd/heartbeat"
	"github.com/nhbvault/agentd/native/costguard"
	"github.com/nhbvault/agentd/native/governance"
)

// Client is the costguard-gated caller. It satisfies both
// heartbeat.RepaymentAdvisor and governance.Evaluator.
type Client struct {
	guard      *costguard.Engine
	httpClient *http.Client
	balance    func() types.Money
	revenue    func() types.Money
}

// New builds a Client. balance and revenue let CostGuard's preflight check
// see the caller's current aggregate balance and recent revenue without
// this package importing vault directly.
func New(guard *costguard.Engine, httpClient *http.Client, balance, revenue func() types.Money) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{guard: guard, httpClient: httpClient, balance: balance, revenue: revenue}
}

// completionRequest/completionResponse is the runtime's generic provider
// contract: every configured provider speaks this shape regardless of
// vendor, so swapping providers in config.Providers() never touches this
// package.
type completionRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type completionResponse struct {
	Content        string `json:"content"`
	CostMicros     int64  `json:"cost_micros"`
	PromptTokens   int    `json:"prompt_tokens"`
	CompletionToks int    `json:"completion_tokens"`
}

func (c *Client) call(ctx context.Context, prompt string, estimatedCostMicro int64) (string, error) {
	tier, provider, cgErr := c.guard.PreflightCheck(c.balance(), c.revenue(), estimatedCostMicro)
	if cgErr != nil {
		return "", fmt.Errorf("llmclient: preflight rejected call: %w", cgErr)
	}

	body, err := json.Marshal(completionRequest{Model: tier.ModelID, Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("llmclient: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.BaseURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llmclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := os.Getenv(provider.APIKeyEnv); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.guard.RecordCall(provider.ID, tier.Name, 0, 0)
		return "", fmt.Errorf("llmclient: call %s: %w", provider.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.guard.RecordCall(provider.ID, tier.Name, 0, 0)
		return "", fmt.Errorf("llmclient: provider %s returned status %d", provider.ID, resp.StatusCode)
	}

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("llmclient: decode response: %w", err)
	}
	c.guard.RecordCall(provider.ID, tier.Name, out.CostMicros, out.PromptTokens+out.CompletionToks)
	return out.Content, nil
}

type repaymentDecision struct {
	RepayMicros int64  `json:"repay_micros"`
	Reasoning   string `json:"reasoning"`
}

// Propose implements heartbeat.RepaymentAdvisor.
func (c *Client) Propose(ctx context.Context, summary heartbeat.DebtSummary) (types.Money, string, error) {
	prompt := fmt.Sprintf(
		"Outstanding debt is %d micros, current balance is %d micros, the vault has been alive %.1f days. "+
			"Propose a conservative principal repayment amount in micros, leaving enough balance to survive. "+
			"Respond as JSON: {\"repay_micros\": <int>, \"reasoning\": \"<short explanation>\"}.",
		int64(summary.OutstandingDebt), int64(summary.Balance), summary.DaysAlive,
	)
	content, err := c.call(ctx, prompt, 2_000)
	if err != nil {
		return 0, "", err
	}
	var decision repaymentDecision
	if err := json.Unmarshal([]byte(content), &decision); err != nil {
		return 0, "", fmt.Errorf("llmclient: parse repayment decision: %w", err)
	}
	if decision.RepayMicros < 0 {
		return 0, "", fmt.Errorf("llmclient: model proposed a negative repayment amount")
	}
	return types.Money(decision.RepayMicros), decision.Reasoning, nil
}

type governanceDecision struct {
	Accept    bool   `json:"accept"`
	Reasoning string `json:"reasoning"`
}

// Evaluate implements governance.Evaluator.
func (c *Client) Evaluate(ctx context.Context, s governance.Suggestion) (bool, string, error) {
	prompt := fmt.Sprintf(
		"A creator suggested the following change to this autonomous agent's behavior.\nTitle: %s\nBody: %s\n"+
			"Judge whether this suggestion should be accepted, weighing it against the agent's survival and "+
			"independence goals. Respond as JSON: {\"accept\": <bool>, \"reasoning\": \"<short explanation>\"}.",
		s.Title, s.Body,
	)
	content, err := c.call(ctx, prompt, 2_000)
	if err != nil {
		return false, "", err
	}
	var decision governanceDecision
	if err := json.Unmarshal([]byte(content), &decision); err != nil {
		return false, "", fmt.Errorf("llmclient: parse governance decision: %w", err)
	}
	return decision.Accept, decision.Reasoning, nil
}
