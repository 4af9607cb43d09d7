/*
scheduler.go - Periodic integrity audit

PURPOSE:
  Re-verifies the graph and ledger invariants on a fixed interval and
  reports the result through logs and the integrity gauges. The audit only
  reads; repairs stay a manual admin decision.

CONFIGURATION:
  - Interval: How often to run (INTEGRITY_INTERVAL, default 1 hour)
  - Zero or negative interval disables the scheduler

USAGE:
  auditor, err := NewIntegrityScheduler(svc, time.Hour, log)
  auditor.Start()
  // ... later
  auditor.Stop()

SEE ALSO:
  - referral/integrity.go: CheckIntegrity
  - handlers.go: CheckIntegrity endpoint (on-demand audit)
*/
package api

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"

	"github.com/warp/referral-engine/metrics"
	"github.com/warp/referral-engine/referral"
)

// IntegrityScheduler runs CheckIntegrity on a gocron duration job.
type IntegrityScheduler struct {
	svc       *referral.Service
	log       logrus.FieldLogger
	scheduler gocron.Scheduler
	interval  time.Duration
}

// NewIntegrityScheduler creates the scheduler. It does not start it.
func NewIntegrityScheduler(svc *referral.Service, interval time.Duration, log logrus.FieldLogger) (*IntegrityScheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	is := &IntegrityScheduler{
		svc:       svc,
		log:       log.WithField("component", "integrity"),
		scheduler: s,
		interval:  interval,
	}
	if interval <= 0 {
		return is, nil
	}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			_, _ = is.RunOnce(context.Background())
		}),
		gocron.WithName("integrity-audit"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, err
	}
	return is, nil
}

func (is *IntegrityScheduler) Start() {
	if is.interval <= 0 {
		is.log.Info("integrity audit disabled")
		return
	}
	is.scheduler.Start()
	is.log.WithField("interval", is.interval.String()).Info("integrity audit scheduled")
}

func (is *IntegrityScheduler) Stop() error {
	return is.scheduler.Shutdown()
}

// RunOnce performs a single audit and returns the report.
func (is *IntegrityScheduler) RunOnce(ctx context.Context) (*referral.IntegrityReport, error) {
	report, err := is.svc.Integrity(ctx)
	if err != nil {
		is.log.WithError(err).Error("integrity audit failed")
		return nil, err
	}
	metrics.RecordIntegrityAudit(len(report.Violations), time.Now())

	if report.OK() {
		is.log.WithFields(logrus.Fields{
			"users":       report.CheckedUsers,
			"history":     report.CheckedHistory,
			"commissions": report.CheckedCommissions,
		}).Info("integrity audit passed")
		return report, nil
	}
	for _, v := range report.Violations {
		is.log.WithFields(logrus.Fields{
			"kind":    v.Kind,
			"subject": v.Subject,
		}).Warn(v.Message)
	}
	is.log.WithField("violations", len(report.Violations)).Error("integrity audit found violations")
	return report, nil
}
