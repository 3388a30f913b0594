// Package maintenance runs periodic housekeeping on the event store.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/sipeed/wabridge/pkg/logger"
)

// AuditPruner is the part of the audit store the pruner needs.
type AuditPruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Pruner deletes audit entries older than the retention window on a cron
// schedule.
type Pruner struct {
	audit     AuditPruner
	schedule  string
	retention time.Duration
	now       func() time.Time
}

func NewPruner(audit AuditPruner, schedule string, retention time.Duration) (*Pruner, error) {
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid prune schedule %q", schedule)
	}
	if retention <= 0 {
		return nil, fmt.Errorf("audit retention must be positive, got %s", retention)
	}
	return &Pruner{
		audit:     audit,
		schedule:  schedule,
		retention: retention,
		now:       time.Now,
	}, nil
}

// Run prunes at every scheduled tick until ctx is cancelled.
func (p *Pruner) Run(ctx context.Context) error {
	logger.InfoCF("maintenance", "Audit pruner started", map[string]interface{}{
		"schedule":  p.schedule,
		"retention": p.retention.String(),
	})

	for {
		next, err := gronx.NextTickAfter(p.schedule, p.now(), false)
		if err != nil {
			return fmt.Errorf("compute next prune time: %w", err)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if _, err := p.PruneOnce(ctx); err != nil {
			logger.ErrorCF("maintenance", "Audit prune failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

// PruneOnce removes entries older than the retention window.
func (p *Pruner) PruneOnce(ctx context.Context) (int64, error) {
	cutoff := p.now().Add(-p.retention)
	n, err := p.audit.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.InfoCF("maintenance", "Pruned audit entries", map[string]interface{}{
			"deleted": n,
			"before":  cutoff.Format(time.RFC3339),
		})
	}
	return n, nil
}
