package anomaly

import (
	"context"
	"fmt"
	"time"

	"trustcore/pkg/models"
	"trustcore/pkg/store"
)

// VelocityClassifier adds risk when an actor generates bursts of events
// inside a short window. Counters live in the shared cache so the signal
// survives across gateway instances.
type VelocityClassifier struct {
	Cache  store.Cache
	Window time.Duration
	Burst  int64
}

func NewVelocityClassifier(cache store.Cache) *VelocityClassifier {
	return &VelocityClassifier{Cache: cache, Window: 5 * time.Minute, Burst: 20}
}

func (v *VelocityClassifier) Score(ctx context.Context, ev Event, _ []models.AuditRecord) (int, []string, error) {
	key := fmt.Sprintf("anomaly:velocity:%s:%s", ev.TenantID, ev.UserID)
	n, err := v.Cache.Incr(ctx, key, v.Window)
	if err != nil {
		return 0, nil, err
	}
	if n > v.Burst {
		return 20, []string{"event burst"}, nil
	}
	return 0, nil, nil
}

// NoopClassifier satisfies RiskClassifier without external dependencies.
type NoopClassifier struct{}

func (NoopClassifier) Score(context.Context, Event, []models.AuditRecord) (int, []string, error) {
	return 0, nil, nil
}
