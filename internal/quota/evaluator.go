package quota

import (
	"context"
	"fmt"

	"boxoffice/internal/logger"
	"boxoffice/internal/models"
)

// Availability codes, ordered so the minimum across several quotas is the
// effective availability of an item covered by all of them.
const (
	AvailabilityGone     = 0
	AvailabilityOrdered  = 20
	AvailabilityReserved = 30
	AvailabilityOK       = 100
)

// Availability is the derived capacity state of one quota. Available is nil
// for unlimited quotas. The per-category counts are only filled in
// full-results mode.
type Availability struct {
	Code      int  `json:"code"`
	Available *int `json:"available"`
	Size      *int `json:"size"`

	Paid     int `json:"paid,omitempty"`
	Pending  int `json:"pending,omitempty"`
	Vouchers int `json:"vouchers,omitempty"`
	Cart     int `json:"cart,omitempty"`
}

// CountStore supplies batched allocation counts for a set of quotas. Both
// maps are keyed by quota ID; quotas without any matching rows may be absent.
type CountStore interface {
	// OrderCounts returns active position counts split into paid orders and
	// pending, not-yet-expired orders.
	OrderCounts(ctx context.Context, quotas []*models.Quota) (paid map[string]int, pending map[string]int, err error)
	BlockingVoucherCounts(ctx context.Context, quotas []*models.Quota) (map[string]int, error)
}

// HoldCounter reports active cart reservations per quota.
type HoldCounter interface {
	HoldCounts(ctx context.Context, quotas []*models.Quota) (map[string]int, error)
}

// Cache stores computed results keyed by quota identity and version. A nil
// cache disables caching.
type Cache interface {
	Get(ctx context.Context, q *models.Quota) (*Availability, bool)
	Set(ctx context.Context, q *models.Quota, a *Availability)
	Delete(ctx context.Context, q *models.Quota)
}

type Options struct {
	// FullResults exposes the per-category counts for diagnostic display.
	FullResults bool
	IgnoreCache bool
}

type Evaluator struct {
	Store  CountStore
	Holds  HoldCounter
	Cache  Cache
	Logger *logger.Logger
}

func NewEvaluator(store CountStore, holds HoldCounter, cache Cache, log *logger.Logger) *Evaluator {
	return &Evaluator{Store: store, Holds: holds, Cache: cache, Logger: log}
}

// WithStore returns a copy of the evaluator that reads counts through store,
// typically the transaction-bound repository during an order mutation, so the
// counts include the transaction's own uncommitted writes. The copy carries
// no cache: results derived from uncommitted state must not be published.
func (e *Evaluator) WithStore(store CountStore) *Evaluator {
	return &Evaluator{Store: store, Holds: e.Holds, Logger: e.Logger}
}

// Availability batch-evaluates all given quotas in one pass. This runs on
// every cart and order mutation, so counts are fetched once for the whole
// set instead of per quota.
func (e *Evaluator) Availability(ctx context.Context, quotas []*models.Quota, opts Options) (map[string]*Availability, error) {
	results := make(map[string]*Availability, len(quotas))

	var misses []*models.Quota
	if e.Cache != nil && !opts.IgnoreCache && !opts.FullResults {
		for _, q := range quotas {
			if a, ok := e.Cache.Get(ctx, q); ok {
				results[q.ID] = a
			} else {
				misses = append(misses, q)
			}
		}
	} else {
		misses = quotas
	}
	if len(misses) == 0 {
		return results, nil
	}

	paid, pending, err := e.Store.OrderCounts(ctx, misses)
	if err != nil {
		return nil, fmt.Errorf("quota order counts: %w", err)
	}
	vouchers, err := e.Store.BlockingVoucherCounts(ctx, misses)
	if err != nil {
		return nil, fmt.Errorf("quota voucher counts: %w", err)
	}
	var carts map[string]int
	if e.Holds != nil {
		carts, err = e.Holds.HoldCounts(ctx, misses)
		if err != nil {
			return nil, fmt.Errorf("quota hold counts: %w", err)
		}
	}

	for _, q := range misses {
		a := compute(q, paid[q.ID], pending[q.ID], vouchers[q.ID], carts[q.ID], opts.FullResults)
		results[q.ID] = a
		if e.Cache != nil && !opts.FullResults {
			e.Cache.Set(ctx, q, a)
		}
	}
	return results, nil
}

// RebuildCache recomputes the given quotas with fresh counts and replaces the
// cached entries. Called after any order, voucher or hold mutation touching
// the quotas.
func (e *Evaluator) RebuildCache(ctx context.Context, quotas []*models.Quota) error {
	if e.Cache != nil {
		for _, q := range quotas {
			e.Cache.Delete(ctx, q)
		}
	}
	_, err := e.Availability(ctx, quotas, Options{IgnoreCache: true})
	if err != nil && e.Logger != nil {
		e.Logger.Error("QUOTA", fmt.Sprintf("cache rebuild failed: %v", err))
	}
	return err
}

// compute applies the counts in priority order of exhaustion: paid orders,
// then pending orders, then blocking vouchers, then cart holds. An unlimited
// quota is always OK.
func compute(q *models.Quota, paid, pending, vouchers, cart int, full bool) *Availability {
	a := &Availability{Size: q.Size}
	if full {
		a.Paid = paid
		a.Pending = pending
		a.Vouchers = vouchers
		a.Cart = cart
	}

	if q.Unlimited() {
		a.Code = AvailabilityOK
		return a
	}

	size := *q.Size
	zero := 0

	if size-paid <= 0 {
		a.Code = AvailabilityGone
		a.Available = &zero
		return a
	}
	if size-paid-pending <= 0 {
		a.Code = AvailabilityOrdered
		a.Available = &zero
		return a
	}
	if size-paid-pending-vouchers-cart <= 0 {
		a.Code = AvailabilityReserved
		a.Available = &zero
		return a
	}

	left := size - paid - pending - vouchers - cart
	a.Code = AvailabilityOK
	a.Available = &left
	return a
}
