package purchasing

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nhbvault/agentd/config"
	"github.com/nhbvault/agentd/core/agenterrors"
	"github.com/nhbvault/agentd/core/events"
	"github.com/nhbvault/agentd/observability/metrics"
)

// DomainResolver checks that a DNS domain anchor actually resolves, the
// second half of the anti-phishing pipeline's domain-match layer. The
// production implementation queries over github.com/miekg/dns; tests supply
// a fake.
type DomainResolver interface {
	Resolves(domain string) bool
}

// PaymentExecutor sends funds on-chain for an approved order. Backed by
// chainexec.Executor in production.
type PaymentExecutor interface {
	Send(ctx context.Context, chain, to string, amountMicros int64) (txHash string, err error)
}

// Reasonableness asks the LLM (through CostGuard, per spec.md §4.5 check 5)
// whether a purchase makes sense given current vault state.
type Reasonableness interface {
	IsReasonable(ctx context.Context, order PurchaseOrder) (bool, string, error)
}

type discoveryRecord struct {
	address      string
	discoveredAt time.Time
}

type merchantSpend struct {
	spentMicros int64
	anchor      time.Time
}

// RejectedEvent is emitted for every anti-phishing pipeline rejection.
type RejectedEvent struct {
	MerchantID string
	Layer      string
	Reason     string
}

func (e RejectedEvent) EventType() string { return "purchasing.rejected" }

// DeliveryFailedEvent is emitted when a paid order's delivery verification
// fails or returns empty data.
type DeliveryFailedEvent struct {
	OrderID    string
	MerchantID string
	Reason     string
}

func (e DeliveryFailedEvent) EventType() string { return "purchasing.delivery_failed" }

// Engine is MerchantRegistry+PurchasingEngine's injected-state engine,
// same Engine+constitution+emitter+clock+mutex shape as every other
// native/* component.
type Engine struct {
	mu sync.Mutex

	c        config.Constitution
	merchant map[string]config.Merchant
	adapters map[string]MerchantAdapter
	resolver DomainResolver
	emitter  events.Emitter
	nowFn    func() time.Time

	discovered map[string]discoveryRecord // merchantID -> discovered address record
	spend      map[string]*merchantSpend  // merchantID -> daily spend accumulator
	globalSpentToday int64
	globalAnchor     time.Time

	orders map[string]*PurchaseOrder

	metrics *metrics.Registry
}

type Option func(*Engine)

func WithEmitter(e events.Emitter) Option { return func(eng *Engine) { eng.emitter = e } }
func WithClock(now func() time.Time) Option { return func(eng *Engine) { eng.nowFn = now } }
func WithResolver(r DomainResolver) Option { return func(eng *Engine) { eng.resolver = r } }

// WithMetrics wires a metrics.Registry; order attempts and anti-phishing
// rejections record against it when set.
func WithMetrics(m *metrics.Registry) Option { return func(eng *Engine) { eng.metrics = m } }

// New constructs a purchasing Engine seeded with the constitutional
// merchant list (config.KnownMerchants).
func New(c config.Constitution, merchants []config.Merchant, opts ...Option) *Engine {
	byID := make(map[string]config.Merchant, len(merchants))
	for _, m := range merchants {
		byID[m.MerchantID] = m
	}
	now := time.Now().UTC()
	eng := &Engine{
		c:          c,
		merchant:   byID,
		adapters:   make(map[string]MerchantAdapter),
		resolver:   noopResolver{},
		emitter:    events.NoopEmitter{},
		nowFn:      time.Now,
		discovered: make(map[string]discoveryRecord),
		spend:      make(map[string]*merchantSpend),
		globalAnchor: now,
		orders:     make(map[string]*PurchaseOrder),
	}
	for _, opt := range opts {
		opt(eng)
	}
	return eng
}

func (e *Engine) now() time.Time { return e.nowFn() }

type noopResolver struct{}

func (noopResolver) Resolves(string) bool { return true }

// RegisterAdapter wires a concrete MerchantAdapter implementation to the
// adapter id used by one or more constitutional merchant entries.
func (e *Engine) RegisterAdapter(adapterID string, adapter MerchantAdapter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adapters[adapterID] = adapter
}

// RegisterDiscoveredAddress records a trusted-domain merchant's
// request-time-discovered payment address, starting its five-minute
// activation delay (spec.md §4.5 check 2).
func (e *Engine) RegisterDiscoveredAddress(merchantID, address string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.discovered[merchantID] = discoveryRecord{address: address, discoveredAt: e.now()}
}

func (e *Engine) addressActivatedLocked(merchantID string) (string, bool) {
	rec, ok := e.discovered[merchantID]
	if !ok {
		return "", false
	}
	if e.now().Sub(rec.discoveredAt) < e.c.TrustedDomainActivationDelay {
		return "", false
	}
	return rec.address, true
}

// CreateOrder runs the discovery + order-creation + first four
// anti-phishing layers (merchant presence, activation delay, domain match,
// per-merchant and global caps) and returns a PurchaseOrder in
// StateAwaitingPay, or a Security-category rejection. Layer 5 (LLM
// reasonableness) and layer 6 (delivery verification) run in ApproveOrder
// and ConfirmDelivery respectively.
func (e *Engine) CreateOrder(ctx context.Context, merchantID, serviceID string, params map[string]string, requestDomain string) (*PurchaseOrder, *agenterrors.Error) {
	e.mu.Lock()
	merchant, ok := e.merchant[merchantID]
	if !ok {
		e.mu.Unlock()
		e.reject(merchantID, "merchant_list", "merchant not in constitutional list")
		return nil, agenterrors.New(agenterrors.Security, "merchant not in constitutional list")
	}
	adapter, ok := e.adapters[merchant.AdapterID]
	e.mu.Unlock()
	if !ok {
		return nil, agenterrors.New(agenterrors.Validation, "no adapter registered for merchant")
	}

	intent, err := adapter.CreateOrder(ctx, serviceID, params)
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.RecoverableIO, "adapter create_order failed", err)
	}
	if intent == nil {
		return nil, agenterrors.New(agenterrors.RecoverableIO, "adapter returned no order intent")
	}

	resolvedAddress := intent.PaymentAddress
	if merchant.Kind == config.MerchantKindStaticAddress {
		if intent.PaymentAddress != merchant.Address {
			e.reject(merchantID, "merchant_list", "static merchant payment address mismatch")
			return nil, agenterrors.New(agenterrors.Security, "static merchant payment address mismatch")
		}
	} else {
		e.mu.Lock()
		activated, ok := e.addressActivatedLocked(merchantID)
		e.mu.Unlock()
		if !ok {
			e.reject(merchantID, "activation_delay", "discovered address has not cleared activation delay")
			return nil, agenterrors.New(agenterrors.Security, "discovered address has not cleared activation delay")
		}
		if activated != intent.PaymentAddress {
			e.reject(merchantID, "activation_delay", "payment address does not match registered discovery")
			return nil, agenterrors.New(agenterrors.Security, "payment address does not match registered discovery")
		}
		resolvedAddress = activated

		if requestDomain == "" || !strings.EqualFold(requestDomain, merchant.Domain) {
			e.reject(merchantID, "domain_match", "outbound domain does not match registered merchant domain")
			return nil, agenterrors.New(agenterrors.Security, "outbound domain does not match registered merchant domain")
		}
		if !e.resolver.Resolves(merchant.Domain) {
			e.reject(merchantID, "domain_match", "merchant domain does not resolve")
			return nil, agenterrors.New(agenterrors.Security, "merchant domain does not resolve")
		}
	}

	if merchant.PerOrderCap > 0 && intent.AmountMicros > merchant.PerOrderCap {
		e.reject(merchantID, "caps", "exceeds per-merchant order cap")
		return nil, agenterrors.New(agenterrors.Security, "exceeds per-merchant order cap")
	}
	if e.c.MaxSinglePurchaseUSDMicros > 0 && intent.AmountMicros > e.c.MaxSinglePurchaseUSDMicros {
		e.reject(merchantID, "caps", "exceeds global single-purchase cap")
		return nil, agenterrors.New(agenterrors.Security, "exceeds global single-purchase cap")
	}

	e.mu.Lock()
	if !e.capsAvailableLocked(merchantID, intent.AmountMicros) {
		e.mu.Unlock()
		e.reject(merchantID, "caps", "exceeds rolling daily cap")
		return nil, agenterrors.New(agenterrors.Security, "exceeds rolling daily cap")
	}
	order := &PurchaseOrder{
		ID:             uuid.NewString(),
		MerchantID:     merchantID,
		ServiceID:      serviceID,
		PaymentAddress: resolvedAddress,
		AmountMicros:   intent.AmountMicros,
		ChainID:        intent.Chain,
		State:          StateAwaitingPay,
		Metadata:       intent.Metadata,
		CreatedAt:      e.now(),
		ExpiresAt:      e.now().Add(e.expiryFloorLocked()),
	}
	e.orders[order.ID] = order
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.PurchaseAttempts.WithLabelValues(merchantID, "created").Inc()
	}
	return order, nil
}

func (e *Engine) expiryFloorLocked() time.Duration {
	if e.c.PurchaseOrderExpiryFloor <= 0 {
		return 30 * time.Minute
	}
	return e.c.PurchaseOrderExpiryFloor
}

func (e *Engine) capsAvailableLocked(merchantID string, amountMicros int64) bool {
	now := e.now()
	if now.Sub(e.globalAnchor) > 24*time.Hour {
		e.globalSpentToday = 0
		e.globalAnchor = now
	}
	// Rolling daily global cap is generous relative to the single-purchase
	// cap checked by the caller; it only guards against many small orders
	// adding up unboundedly in one day.
	if e.c.MaxSinglePurchaseUSDMicros > 0 && e.globalSpentToday+amountMicros > e.c.MaxSinglePurchaseUSDMicros*1_000 {
		return false
	}
	merchant := e.merchant[merchantID]
	s, ok := e.spend[merchantID]
	if !ok {
		s = &merchantSpend{anchor: now}
		e.spend[merchantID] = s
	}
	if now.Sub(s.anchor) > 24*time.Hour {
		s.spentMicros = 0
		s.anchor = now
	}
	if merchant.PerOrderCap > 0 && s.spentMicros+amountMicros > merchant.PerOrderCap*10 {
		return false
	}
	return true
}

func (e *Engine) reject(merchantID, layer, reason string) {
	e.emitter.Emit(RejectedEvent{MerchantID: merchantID, Layer: layer, Reason: reason})
	if e.metrics != nil {
		e.metrics.PhishingRejections.WithLabelValues(layer).Inc()
		e.metrics.PurchaseAttempts.WithLabelValues(merchantID, "rejected").Inc()
	}
}

// ApproveOrder runs the fifth anti-phishing layer: an LLM reasonableness
// check given current vault state. A rejection leaves the order in
// StateAwaitingPay so it can expire naturally rather than being mutated.
func (e *Engine) ApproveOrder(ctx context.Context, orderID string, reasonableness Reasonableness) *agenterrors.Error {
	e.mu.Lock()
	order, ok := e.orders[orderID]
	e.mu.Unlock()
	if !ok {
		return agenterrors.New(agenterrors.Validation, "unknown order id")
	}
	if order.State != StateAwaitingPay {
		return agenterrors.New(agenterrors.Validation, "order not awaiting payment")
	}
	ok2, reason, err := reasonableness.IsReasonable(ctx, *order)
	if err != nil {
		return agenterrors.Wrap(agenterrors.RecoverableIO, "reasonableness check failed", err)
	}
	if !ok2 {
		e.reject(order.MerchantID, "llm_reasonableness", reason)
		return agenterrors.New(agenterrors.Security, "llm rejected purchase as unreasonable: "+reason)
	}
	return nil
}

// ExecuteOrder pays an approved order on-chain and transitions it through
// StatePaying to StateAwaitingDelivery. The payment address used is always
// the one the order was approved with, never re-read from the adapter
// (spec.md §4.5 invariant: "payment address equals the address approved by
// the anti-phishing pipeline for that order").
func (e *Engine) ExecuteOrder(ctx context.Context, orderID string, executor PaymentExecutor) *agenterrors.Error {
	e.mu.Lock()
	order, ok := e.orders[orderID]
	if !ok {
		e.mu.Unlock()
		return agenterrors.New(agenterrors.Validation, "unknown order id")
	}
	if order.State != StateAwaitingPay {
		e.mu.Unlock()
		return agenterrors.New(agenterrors.Validation, "order not awaiting payment")
	}
	if e.now().After(order.ExpiresAt) {
		order.State = StateExpired
		e.mu.Unlock()
		return agenterrors.New(agenterrors.Validation, "order expired before payment")
	}
	order.State = StatePaying
	paymentAddress := order.PaymentAddress
	amount := order.AmountMicros
	chain := order.ChainID
	merchantID := order.MerchantID
	e.mu.Unlock()

	txHash, err := executor.Send(ctx, chain, paymentAddress, amount)
	if err != nil {
		e.mu.Lock()
		order.State = StateFailed
		e.mu.Unlock()
		return agenterrors.Wrap(agenterrors.RecoverableIO, "payment execution failed", err)
	}

	e.mu.Lock()
	order.ChainTxHash = txHash
	order.State = StateAwaitingDelivery
	s, ok := e.spend[merchantID]
	if !ok {
		s = &merchantSpend{anchor: e.now()}
		e.spend[merchantID] = s
	}
	s.spentMicros += amount
	if e.now().Sub(e.globalAnchor) > 24*time.Hour {
		e.globalSpentToday = 0
		e.globalAnchor = e.now()
	}
	e.globalSpentToday += amount
	e.mu.Unlock()
	return nil
}

// ConfirmDelivery runs the sixth anti-phishing layer: delivery verification.
// Empty or near-empty adapter data is treated as a delivery failure even if
// the adapter reports Delivered=true (spec.md §4.5 check 6).
func (e *Engine) ConfirmDelivery(ctx context.Context, orderID string) *agenterrors.Error {
	e.mu.Lock()
	order, ok := e.orders[orderID]
	if !ok {
		e.mu.Unlock()
		return agenterrors.New(agenterrors.Validation, "unknown order id")
	}
	if order.State != StateAwaitingDelivery {
		e.mu.Unlock()
		return agenterrors.New(agenterrors.Validation, "order not awaiting delivery")
	}
	merchant := e.merchant[order.MerchantID]
	adapter := e.adapters[merchant.AdapterID]
	snapshot := *order
	e.mu.Unlock()

	if adapter == nil {
		return agenterrors.New(agenterrors.Validation, "no adapter registered for merchant")
	}

	result, err := adapter.VerifyDelivery(ctx, snapshot)
	if err != nil {
		return agenterrors.Wrap(agenterrors.RecoverableIO, "delivery verification failed", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !result.Delivered || !hasSubstantiveData(result.Data) {
		order.State = StateFailed
		e.mu.Unlock()
		e.emitter.Emit(DeliveryFailedEvent{OrderID: order.ID, MerchantID: order.MerchantID, Reason: "empty or missing delivery data"})
		e.mu.Lock()
		return agenterrors.New(agenterrors.RecoverableIO, "delivery verification returned no substantive data")
	}
	order.State = StateDelivered
	return nil
}

func hasSubstantiveData(data map[string]string) bool {
	for _, v := range data {
		if strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}

// ExpireStale transitions every order past its expiry that is still
// awaiting payment to StateExpired, called from the heartbeat tick.
func (e *Engine) ExpireStale() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	count := 0
	for _, o := range e.orders {
		if o.State == StateAwaitingPay && now.After(o.ExpiresAt) {
			o.State = StateExpired
			count++
		}
	}
	return count
}

// RefreshDiscovery re-probes up to limit registered merchant adapters for
// their current service list, the heartbeat's bounded "merchant discovery
// refresh" step (spec.md §4.6 step 6). Per-adapter errors are swallowed
// (transient discovery failures are not fatal); the count of merchants
// successfully refreshed is returned.
func (e *Engine) RefreshDiscovery(ctx context.Context, limit int) int {
	e.mu.Lock()
	ids := make([]string, 0, len(e.merchant))
	for id := range e.merchant {
		ids = append(ids, id)
	}
	adapters := make(map[string]MerchantAdapter, len(e.adapters))
	for id, a := range e.adapters {
		adapters[id] = a
	}
	merchants := make(map[string]config.Merchant, len(e.merchant))
	for id, m := range e.merchant {
		merchants[id] = m
	}
	e.mu.Unlock()

	refreshed := 0
	for _, id := range ids {
		if limit > 0 && refreshed >= limit {
			break
		}
		m, ok := merchants[id]
		if !ok {
			continue
		}
		adapter, ok := adapters[m.AdapterID]
		if !ok {
			continue
		}
		if _, err := adapter.DiscoverServices(ctx); err != nil {
			continue
		}
		refreshed++
	}
	return refreshed
}

// Order returns a copy of a tracked order by id.
func (e *Engine) Order(id string) (PurchaseOrder, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok {
		return PurchaseOrder{}, false
	}
	return *o, true
}

// ValidateURL is a small helper adapters use to extract the host component
// of a merchant-provided endpoint for the domain-match comparison.
func ValidateURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("purchasing: url has no host: %q", raw)
	}
	return u.Hostname(), nil
}
