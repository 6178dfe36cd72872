// Package sweeper deletes messages whose scheduled-deletion time has
// passed. It runs on a fixed interval or a cron expression; individual
// message failures are logged and retried on the next tick, so one bad
// record cannot halt the sweep. Messages may disappear slightly late
// but never early.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"chatd/pkg/logger"
	"chatd/pkg/msglog"
	"chatd/pkg/store"
	"chatd/pkg/telemetry"
)

type Sweeper struct {
	st    *store.Store
	log   *msglog.Service
	batch int
}

// New returns a sweeper removing at most batch messages per run;
// batch <= 0 means unbounded.
func New(st *store.Store, log *msglog.Service, batch int) *Sweeper {
	return &Sweeper{st: st, log: log, batch: batch}
}

// RunOnce scans the expiry index and removes every message due by now.
// It returns the number of messages removed; per-message failures are
// swallowed after logging.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	now := time.Now().UTC().UnixNano()
	refs, err := s.st.ScanExpired(now, s.batch)
	if err != nil {
		return 0, fmt.Errorf("scan expired: %w", err)
	}
	removed := 0
	for _, ref := range refs {
		select {
		case <-ctx.Done():
			return removed, ctx.Err()
		default:
		}
		if err := s.log.ExpireMessage(ref); err != nil {
			telemetry.SweeperErrors.Inc()
			logger.Warn("sweep_message_failed",
				"conversation", ref.ConvID, "message", ref.MsgID, "error", err)
			continue
		}
		telemetry.SweeperDeleted.Inc()
		removed++
	}
	if removed > 0 {
		logger.Info("sweep_complete", "removed", removed, "scanned", len(refs))
	}
	return removed, nil
}

// Start launches the sweep loop. A cron expression wins over the
// interval when both are set. Returns a cancel func stopping the loop.
func (s *Sweeper) Start(ctx context.Context, cronExpr string, interval time.Duration) (context.CancelFunc, error) {
	if cronExpr != "" && !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid sweeper cron expression: %s", cronExpr)
	}
	if cronExpr == "" && interval <= 0 {
		interval = 2 * time.Minute
	}
	ctx2, cancel := context.WithCancel(ctx)
	if cronExpr != "" {
		go s.runCron(ctx2, cronExpr)
	} else {
		go s.runInterval(ctx2, interval)
	}
	logger.Info("sweeper_started", "cron", cronExpr, "interval", interval.String())
	return cancel, nil
}

func (s *Sweeper) runInterval(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper_stopping")
			return
		case <-t.C:
			if _, err := s.RunOnce(ctx); err != nil {
				logger.Error("sweep_run_error", "error", err)
			}
		}
	}
}

// runCron computes the next tick with gronx and sleeps until it, which
// supports full cron syntax without a busy loop.
func (s *Sweeper) runCron(ctx context.Context, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper_stopping")
			return
		default:
		}
		next, err := gronx.NextTickAfter(cronExpr, time.Now().UTC(), false)
		if err != nil {
			logger.Error("sweeper_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case <-time.After(time.Until(next)):
			if _, err := s.RunOnce(ctx); err != nil {
				logger.Error("sweep_run_error", "error", err)
			}
		case <-ctx.Done():
			logger.Info("sweeper_stopping")
			return
		}
	}
}
