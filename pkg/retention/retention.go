// Package retention prunes expired anomaly working data. Audit records are
// append-only and are never touched here; the sweeper only clears the
// security_events review queue, and legal holds pin a resource's events
// past their retention window.
package retention

import (
	"context"
	"errors"
	"log"
	"time"
)

// Hold pins every event referencing Resource within a tenant. Events under
// hold survive sweeps until the hold is released.
type Hold struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Resource  string    `json:"resource"`
	Reason    string    `json:"reason"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists holds and sweeps the working set.
type Store interface {
	AddHold(ctx context.Context, h Hold) error
	RemoveHold(ctx context.Context, tenantID, id string) error
	Holds(ctx context.Context, tenantID string) ([]Hold, error)
	// PruneEvents deletes security events created before cutoff whose
	// resource is not covered by a hold, returning the count removed.
	PruneEvents(ctx context.Context, tenantID string, cutoff time.Time) (int64, error)
	Tenants(ctx context.Context) ([]string, error)
}

// ErrHoldNotFound is returned when releasing an unknown hold.
var ErrHoldNotFound = errors.New("retention: legal hold not found")

// Sweeper runs periodic pruning across tenants.
type Sweeper struct {
	Store    Store
	MaxAge   time.Duration
	Interval time.Duration
	Clock    func() time.Time
}

func NewSweeper(store Store, maxAge time.Duration) *Sweeper {
	return &Sweeper{Store: store, MaxAge: maxAge, Interval: time.Hour, Clock: time.Now}
}

// SweepOnce prunes every tenant once and returns the total removed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	now := time.Now
	if s.Clock != nil {
		now = s.Clock
	}
	cutoff := now().UTC().Add(-s.MaxAge)
	tenants, err := s.Store.Tenants(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, tenant := range tenants {
		n, err := s.Store.PruneEvents(ctx, tenant, cutoff)
		if err != nil {
			log.Printf("retention: prune tenant %s: %v", tenant, err)
			continue
		}
		total += n
	}
	return total, nil
}

// Run sweeps on the configured interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				log.Printf("retention: sweep: %v", err)
			} else if n > 0 {
				log.Printf("retention: pruned %d expired security events", n)
			}
		}
	}
}
