package alerting

import (
	"context"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

// Housekeeper periodically releases expired holds, re-evaluates the circuit
// breaker so it can recover without traffic, and refreshes SLA gauges.
type Housekeeper struct {
	svc        *Service
	interval   time.Duration
	reportSpan time.Duration
	logger     log.Logger
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// NewHousekeeper creates a housekeeper that runs every interval. SLA gauges
// cover alerts created in the trailing reportSpan.
func NewHousekeeper(svc *Service, interval, reportSpan time.Duration, logger log.Logger) *Housekeeper {
	if svc == nil {
		panic(xerrors.New("alerting.NewHousekeeper: nil service"))
	}
	if interval <= 0 {
		panic(xerrors.New("alerting.NewHousekeeper: interval must be positive"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Housekeeper{
		svc:        svc,
		interval:   interval,
		reportSpan: reportSpan,
		logger:     logger,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the housekeeping loop. Call Stop to terminate.
func (h *Housekeeper) Start(ctx context.Context) {
	go func() {
		defer close(h.doneCh)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		h.logger.Info(ctx, "housekeeper started", "interval", h.interval.String())

		for {
			select {
			case <-ticker.C:
				h.RunOnce(ctx)
			case <-h.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight run to finish.
func (h *Housekeeper) Stop() {
	close(h.stopCh)
	<-h.doneCh
}

// RunOnce performs a single housekeeping pass.
func (h *Housekeeper) RunOnce(ctx context.Context) {
	now := h.svc.now()

	n, err := h.svc.lifecycle.SweepExpired(ctx, now)
	if err != nil {
		h.logger.Error(ctx, err, "hold sweep failed")
	} else if n > 0 {
		h.logger.Info(ctx, "expired holds released", "count", n)
	}

	h.svc.breaker.Evaluate(ctx, now)

	if h.reportSpan <= 0 {
		return
	}
	rep, err := h.svc.sla.ComplianceReport(ctx, now.Add(-h.reportSpan), now, now)
	if err != nil {
		h.logger.Error(ctx, err, "sla compliance report failed")
		return
	}
	h.svc.hooks.compliance(rep)
}
