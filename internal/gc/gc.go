// Package gc removes lab instances past their due date and the VM clones
// that came with them. A sweep walks the expiration query, tearing down one
// machine at a time, so a single stuck VM never blocks the rest of the pass.
package gc

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cyberlab/labd/internal/config"
	"github.com/cyberlab/labd/internal/metrics"
	"github.com/cyberlab/labd/internal/model"
	"github.com/cyberlab/labd/internal/service"
)

type Collector struct {
	svc *service.Service
	log *slog.Logger
	met *metrics.Metrics

	labRetention time.Duration
	vmRetention  time.Duration
	hour, minute int
	now          func() time.Time
}

func New(svc *service.Service, logger *slog.Logger, met *metrics.Metrics, cfg config.GCConfig) (*Collector, error) {
	hour, minute, err := config.ParseTimeOfDay(cfg.TimeOfDay)
	if err != nil {
		return nil, fmt.Errorf("gc time of day: %w", err)
	}
	return &Collector{
		svc:          svc,
		log:          logger,
		met:          met,
		labRetention: time.Duration(cfg.LabRetentionDays) * 24 * time.Hour,
		vmRetention:  time.Duration(cfg.VMRetentionDays) * 24 * time.Hour,
		hour:         hour,
		minute:       minute,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock overrides the time source. Tests only.
func (c *Collector) SetClock(now func() time.Time) { c.now = now }

// SweepSummary is the outcome of one pass.
type SweepSummary struct {
	UsersVisited int
	LabsVisited  int
	VMsDeleted   int
	Failures     int
}

// Sweep visits every lab due at least labRetention ago and destroys its
// clones older than vmRetention. The lab document is never removed: it
// keeps the student's answers and completion state after the machines are
// gone. Item failures are counted and logged, never propagated.
func (c *Collector) Sweep(ctx context.Context) (SweepSummary, error) {
	var sum SweepSummary
	now := c.now()
	labCutoff := now.Add(-c.labRetention)
	vmCutoff := now.Add(-c.vmRetention)

	records, err := c.svc.ExpiredLabInstances(ctx, labCutoff)
	if err != nil {
		c.met.GCFailures.Inc()
		return sum, fmt.Errorf("expiration query: %w", err)
	}

	for _, rec := range records {
		sum.UsersVisited++
		for _, lab := range rec.Labs {
			sum.LabsVisited++
			c.sweepLab(ctx, rec.UserID, lab.ID, eligibleVMs(lab.VmInstances, vmCutoff), &sum)
		}
	}

	c.met.GCSweeps.Inc()
	c.log.Info("gc_sweep_completed",
		"users_visited", sum.UsersVisited,
		"labs_visited", sum.LabsVisited,
		"vms_deleted", sum.VMsDeleted,
		"failures", sum.Failures)
	return sum, nil
}

// sweepLab destroys the eligible VMs one by one.
func (c *Collector) sweepLab(ctx context.Context, userID, labID string, vmIDs []string, sum *SweepSummary) {
	for _, vmID := range vmIDs {
		if err := c.svc.DeleteVmInstance(ctx, userID, labID, vmID); err != nil {
			sum.Failures++
			c.met.GCFailures.Inc()
			c.log.Error("gc_vm_delete_failed", "user_id", userID, "lab_id", labID, "vm_id", vmID, "error", err)
			continue
		}
		sum.VMsDeleted++
		c.met.GCDeletedVMs.Inc()
	}
}

// eligibleVMs picks the clones old enough to destroy, in key order.
func eligibleVMs(vms map[string]model.VmInstance, cutoff time.Time) []string {
	keys := make([]string, 0, len(vms))
	for k, vm := range vms {
		if vm.ClonedAt.Before(cutoff) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Run fires a sweep at the configured wall-clock time every day until the
// context is canceled.
func (c *Collector) Run(ctx context.Context) {
	for {
		wait := time.Until(c.nextRun())
		c.log.Info("gc_scheduled", "next_run_in", wait.Round(time.Second).String())
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if _, err := c.Sweep(ctx); err != nil {
			c.log.Error("gc_sweep_failed", "error", err)
		}
	}
}

// nextRun is the next occurrence of the configured time of day, strictly in
// the future.
func (c *Collector) nextRun() time.Time {
	now := c.now()
	next := time.Date(now.Year(), now.Month(), now.Day(), c.hour, c.minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
