/**
 * @description
 * The reconciliation sweep resolves orders stranded in the processing state,
 * typically after an ambiguous vendor outcome (timeout, connection drop). Each
 * sweep asks the order's vendor for the definitive state and moves the order to
 * completed, or to failed with an automatic refund. Vendors that still cannot
 * answer leave the order untouched for the next sweep.
 *
 * The same sweep backs the periodic background worker and the on-demand admin
 * endpoint, so operators can force a pass without waiting for the ticker.
 */

package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/datamart/fulfillment-service/internal/domain"
	"github.com/datamart/fulfillment-service/internal/store"
	"github.com/datamart/fulfillment-service/pkg/rabbitmq"
	"github.com/datamart/fulfillment-service/pkg/reference"
	"github.com/datamart/fulfillment-service/pkg/vendors"
)

const (
	defaultReconcileGrace = 90 * time.Second
	defaultReconcileBatch = 50
)

// ReconcileSummary reports one sweep's resolutions.
type ReconcileSummary struct {
	Examined   int `json:"examined"`
	Completed  int `json:"completed"`
	Refunded   int `json:"refunded"`
	Unresolved int `json:"unresolved"`
	Errors     int `json:"errors"`
}

// Reconciler periodically resolves stale processing orders against their vendors.
type Reconciler struct {
	service  *Service
	interval time.Duration
	grace    time.Duration
	batch    int
}

// NewReconciler builds the background worker. grace is how long an order must
// sit in processing before it is swept; batch caps orders per pass.
func NewReconciler(service *Service, interval, grace time.Duration, batch int) *Reconciler {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	if grace <= 0 {
		grace = defaultReconcileGrace
	}
	if batch <= 0 {
		batch = defaultReconcileBatch
	}
	return &Reconciler{service: service, interval: interval, grace: grace, batch: batch}
}

// Run loops until the context is cancelled. Intended to be started as a goroutine.
func (r *Reconciler) Run(ctx context.Context) {
	log.Printf("level=info component=reconciler msg=\"starting\" interval=%s grace=%s batch=%d", r.interval, r.grace, r.batch)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("level=info component=reconciler msg=\"stopping\"")
			return
		case <-ticker.C:
			summary, err := r.service.ReconcileProcessingOrders(ctx, r.grace, r.batch)
			if err != nil {
				log.Printf("level=error component=reconciler msg=\"sweep failed\" err=%v", err)
				continue
			}
			if summary.Examined > 0 {
				log.Printf("level=info component=reconciler msg=\"sweep done\" examined=%d completed=%d refunded=%d unresolved=%d errors=%d",
					summary.Examined, summary.Completed, summary.Refunded, summary.Unresolved, summary.Errors)
			}
		}
	}
}

// ReconcileProcessingOrders runs one sweep over orders stuck in processing for
// longer than grace and returns what it resolved.
func (s *Service) ReconcileProcessingOrders(ctx context.Context, grace time.Duration, batch int) (*ReconcileSummary, error) {
	cutoff := time.Now().Add(-grace)
	orders, err := s.repo.ListProcessingOrders(ctx, cutoff, batch)
	if err != nil {
		return nil, err
	}

	summary := &ReconcileSummary{Examined: len(orders)}
	for i := range orders {
		order := &orders[i]
		if err := s.reconcileOne(ctx, order, summary); err != nil {
			summary.Errors++
			log.Printf("level=error component=reconciler msg=\"order reconcile failed\" reference=%s err=%v", order.Reference, err)
		}
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
	}
	return summary, nil
}

func (s *Service) reconcileOne(ctx context.Context, order *domain.Order, summary *ReconcileSummary) error {
	if order.VendorID == nil {
		// Processing order without a vendor cannot be resolved automatically.
		summary.Unresolved++
		return nil
	}
	adapter, err := s.vendors.Get(*order.VendorID)
	if err != nil {
		summary.Unresolved++
		return err
	}

	vendorOrderID := ""
	if order.VendorOrderID != nil {
		vendorOrderID = *order.VendorOrderID
	}

	checkCtx, cancel := context.WithTimeout(ctx, s.cfg.VendorTimeout)
	status, err := adapter.CheckStatus(checkCtx, vendorOrderID, order.Reference)
	cancel()
	if err != nil {
		// Status check errors are not definitive; leave the order for the
		// next sweep rather than refund money the vendor may have earned.
		summary.Unresolved++
		reconcileSweepOrders.WithLabelValues("check_error").Inc()
		return err
	}

	switch status.State {
	case vendors.StateDelivered:
		err := s.repo.CompleteProcessingOrder(ctx, order.Reference, status.Raw)
		if err != nil {
			if errors.Is(err, store.ErrOrderNotProcessing) {
				// Resolved concurrently by an admin or another sweep.
				reconcileSweepOrders.WithLabelValues("already_resolved").Inc()
				return nil
			}
			return err
		}
		summary.Completed++
		reconcileSweepOrders.WithLabelValues("completed").Inc()
		order.Status = domain.OrderStatusCompleted
		s.publishOrderEvent(ctx, rabbitmq.RouteOrderCompleted, order, "")
		return nil

	case vendors.StateFailed:
		reason := "vendor reported failure during reconciliation"
		refundRef := reference.Generate(reference.PrefixLedger)
		err := s.repo.FailOrderWithRefund(ctx, order.Reference, domain.OrderStatusProcessing, reason, refundRef)
		if err != nil {
			if errors.Is(err, store.ErrOrderNotProcessing) {
				reconcileSweepOrders.WithLabelValues("already_resolved").Inc()
				return nil
			}
			return err
		}
		summary.Refunded++
		reconcileSweepOrders.WithLabelValues("refunded").Inc()
		refundsTotal.WithLabelValues("reconcile").Inc()
		order.Status = domain.OrderStatusRefunded
		s.publishOrderEvent(ctx, rabbitmq.RouteOrderRefunded, order, reason)
		return nil

	default:
		summary.Unresolved++
		reconcileSweepOrders.WithLabelValues("unresolved").Inc()
		return nil
	}
}
