package selfmodify

import (
	"sync"
	"time"

	"github.com/nhbvault/agentd/config"
	"github.com/nhbvault/agentd/core/agenterrors"
	"github.com/nhbvault/agentd/core/events"
	"github.com/nhbvault/agentd/storage"
)

const schemaVersion = 1

// PriceChangedEvent is emitted for each service whose price the daily loop
// adjusts.
type PriceChangedEvent struct {
	ServiceID      string
	OldPriceMicros int64
	NewPriceMicros int64
	Reason         string
}

func (e PriceChangedEvent) EventType() string { return "selfmodify.price_changed" }

// Engine is SelfModify's injected-state engine: the service catalog plus
// the constitution's single price-loop knob (MaxSingleOrderPriceMicros),
// guarded by a mutex like every other native/* component. Grounded on the
// teacher's atomic-write-then-rename + read-back pattern from
// config.Load/createDefault.
type Engine struct {
	mu sync.Mutex

	c       config.Constitution
	catalog Catalog
	emitter events.Emitter
	nowFn   func() time.Time

	catalogPath   string
	evolutionPath string
}

type Option func(*Engine)

func WithEmitter(e events.Emitter) Option { return func(eng *Engine) { eng.emitter = e } }
func WithClock(now func() time.Time) Option { return func(eng *Engine) { eng.nowFn = now } }

// New constructs an Engine over an in-memory catalog. Load replaces the
// catalog from disk if a persisted one exists.
func New(c config.Constitution, catalogPath, evolutionPath string, services []ServicePerformance, opts ...Option) *Engine {
	eng := &Engine{
		c:             c,
		catalog:       Catalog{SchemaVersion: schemaVersion, Services: services},
		emitter:       events.NoopEmitter{},
		nowFn:         time.Now,
		catalogPath:   catalogPath,
		evolutionPath: evolutionPath,
	}
	for _, opt := range opts {
		opt(eng)
	}
	return eng
}

func (e *Engine) now() time.Time { return e.nowFn() }

// RecordOrder updates a service's order/revenue counters, called whenever
// PurchasingEngine or the public service surface completes a sale.
func (e *Engine) RecordOrder(serviceID string, revenueMicros int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	for i := range e.catalog.Services {
		svc := &e.catalog.Services[i]
		if svc.ServiceID != serviceID {
			continue
		}
		svc.Orders++
		svc.RevenueMicros += revenueMicros
		svc.LastOrderAt = now
		if svc.DailyAnchor.IsZero() || now.Sub(svc.DailyAnchor) > 24*time.Hour {
			svc.OrdersToday = 0
			svc.DailyAnchor = now
		}
		svc.OrdersToday++
		return
	}
}

// Catalog returns a copy of the current service catalog.
func (e *Engine) Catalog() Catalog {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := Catalog{SchemaVersion: e.catalog.SchemaVersion, Services: append([]ServicePerformance(nil), e.catalog.Services...)}
	return out
}

// RunDailyPriceLoop implements spec.md §4.7's heuristic: services with zero
// orders in >=7 days and a price above the floor drop 20% (floor 1);
// services with >=5 orders/day rise 10% (ceiling MaxSingleOrderPriceMicros).
// Every change is appended to the evolution log and the catalog is
// persisted atomically with a read-back verification.
func (e *Engine) RunDailyPriceLoop() ([]EvolutionEntry, *agenterrors.Error) {
	e.mu.Lock()
	now := e.now()
	entries := make([]EvolutionEntry, 0)
	for i := range e.catalog.Services {
		svc := &e.catalog.Services[i]
		old := svc.PriceMicros

		var idle bool
		if svc.LastOrderAt.IsZero() {
			idle = !svc.CreatedAt.IsZero() && now.Sub(svc.CreatedAt).Hours()/24 >= 7
		} else {
			idle = now.Sub(svc.LastOrderAt).Hours()/24 >= 7
		}
		ordersToday := svc.OrdersToday
		if !svc.DailyAnchor.IsZero() && now.Sub(svc.DailyAnchor) > 24*time.Hour {
			ordersToday = 0
		}

		switch {
		case idle && svc.PriceMicros > 1:
			newPrice := svc.PriceMicros - (svc.PriceMicros * 20 / 100)
			if newPrice >= svc.PriceMicros {
				// Integer 20% rounded to zero for a small price; still move
				// toward the floor by at least one unit.
				newPrice = svc.PriceMicros - 1
			}
			if newPrice < 1 {
				newPrice = 1
			}
			svc.PriceMicros = newPrice
			entries = append(entries, EvolutionEntry{Timestamp: now, ServiceID: svc.ServiceID, OldPriceMicros: old, NewPriceMicros: newPrice, Reason: "zero orders for 7+ days"})
		case ordersToday >= 5:
			newPrice := svc.PriceMicros + (svc.PriceMicros * 10 / 100)
			ceiling := e.c.MaxSingleOrderPriceMicros
			if ceiling > 0 && newPrice > ceiling {
				newPrice = ceiling
			}
			if newPrice != old {
				svc.PriceMicros = newPrice
				entries = append(entries, EvolutionEntry{Timestamp: now, ServiceID: svc.ServiceID, OldPriceMicros: old, NewPriceMicros: newPrice, Reason: "5+ orders/day"})
			}
		}
	}
	catalogSnapshot := e.catalog
	e.mu.Unlock()

	if len(entries) == 0 {
		return entries, nil
	}

	if err := e.persist(catalogSnapshot); err != nil {
		return nil, agenterrors.Wrap(agenterrors.RecoverableIO, "failed to persist service catalog", err)
	}
	for _, entry := range entries {
		if err := storage.AppendJSONLine(e.evolutionPath, entry); err != nil {
			return nil, agenterrors.Wrap(agenterrors.RecoverableIO, "failed to append evolution log entry", err)
		}
		e.emitter.Emit(PriceChangedEvent{ServiceID: entry.ServiceID, OldPriceMicros: entry.OldPriceMicros, NewPriceMicros: entry.NewPriceMicros, Reason: entry.Reason})
	}
	return entries, nil
}

func (e *Engine) persist(catalog Catalog) error {
	if err := storage.WriteJSONAtomic(e.catalogPath, catalog); err != nil {
		return err
	}
	var readBack Catalog
	if err := storage.ReadJSON(e.catalogPath, &readBack); err != nil {
		return err
	}
	if len(readBack.Services) != len(catalog.Services) {
		return agenterrors.New(agenterrors.RecoverableIO, "catalog read-back verification mismatch")
	}
	return nil
}

// Load replaces the in-memory catalog with the one persisted at
// catalogPath, if present.
func (e *Engine) Load() error {
	var loaded Catalog
	if err := storage.ReadJSON(e.catalogPath, &loaded); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.catalog = loaded
	return nil
}
