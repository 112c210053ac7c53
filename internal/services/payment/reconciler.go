package payment

import (
	"fmt"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"

	"github.com/vidsum/vidsum-api/internal/models"
	"github.com/vidsum/vidsum-api/internal/services/database"
)

const (
	IssuePaidNotDelivered = "PAID_NOT_DELIVERED"
	IssueBillingMismatch  = "BILLING_MISMATCH"
	IssueExpiredOrders    = "EXPIRED_ORDERS"
)

// Issue is one inconsistency found during reconciliation.
type Issue struct {
	Type      string `json:"type"`
	Severity  string `json:"severity"`
	OrderID   string `json:"order_id,omitzero"`
	UserID    string `json:"user_id,omitzero"`
	BillingID string `json:"billing_id,omitzero"`
	Count     int64  `json:"count,omitzero"`
}

// ReconciliationResult summarizes one reconciliation pass.
type ReconciliationResult struct {
	Success      bool    `json:"success"`
	CheckedCount int64   `json:"checked_count"`
	Issues       []Issue `json:"issues"`
	FixedCount   int     `json:"fixed_count"`
}

// Reconciler sweeps the order store for states payment callbacks can leave
// behind: paid orders whose delivery crashed, delivered orders with stale
// billing, and pending orders nobody ever paid.
type Reconciler struct {
	db          *database.DB
	coordinator *Coordinator

	// Settlement grace period. Paid orders younger than this are presumed
	// to still be inside their callback and are left alone.
	settleGrace time.Duration
	pendingTTL  time.Duration
}

func NewReconciler(db *database.DB, coordinator *Coordinator) *Reconciler {
	return &Reconciler{
		db:          db,
		coordinator: coordinator,
		settleGrace: 2 * time.Minute,
		pendingTTL:  time.Hour,
	}
}

// Run executes all checks. With autoFix, paid-but-undelivered orders are
// redelivered and mismatched billing events are settled in place.
func (r *Reconciler) Run(autoFix bool) (*ReconciliationResult, error) {
	var issues []Issue

	stuck, err := r.paidNotDelivered()
	if err != nil {
		return nil, err
	}
	issues = append(issues, stuck...)

	mismatched, err := r.billingMismatches()
	if err != nil {
		return nil, err
	}
	issues = append(issues, mismatched...)

	expired, err := r.expirePendingOrders()
	if err != nil {
		return nil, err
	}
	issues = append(issues, expired...)

	fixed := 0
	if autoFix {
		fixed = r.fix(issues)
	}

	var total int64
	if err := r.db.Model(&models.PaymentOrder{}).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count orders: %w", err)
	}

	result := &ReconciliationResult{
		Success:      len(issues) == 0,
		CheckedCount: total,
		Issues:       issues,
		FixedCount:   fixed,
	}
	fiberlog.Infof("reconciliation checked %d orders, found %d issues, fixed %d",
		total, len(issues), fixed)
	return result, nil
}

func (r *Reconciler) paidNotDelivered() ([]Issue, error) {
	cutoff := time.Now().Add(-r.settleGrace)

	var orders []models.PaymentOrder
	err := r.db.Where("status = ? AND updated_at < ?", models.OrderPaid, cutoff).Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to scan paid orders: %w", err)
	}

	issues := make([]Issue, 0, len(orders))
	for _, order := range orders {
		issues = append(issues, Issue{
			Type:     IssuePaidNotDelivered,
			Severity: "high",
			OrderID:  order.ID,
			UserID:   order.UserID,
		})
	}
	return issues, nil
}

func (r *Reconciler) billingMismatches() ([]Issue, error) {
	var rows []struct {
		ID        string
		UserID    string
		BillingID string
	}
	err := r.db.Model(&models.PaymentOrder{}).
		Select("payment_orders.id, payment_orders.user_id, payment_orders.billing_id").
		Joins("JOIN billing_events ON billing_events.id = payment_orders.billing_id").
		Where("payment_orders.status = ? AND billing_events.status != ?",
			models.OrderDelivered, models.BillingPaid).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to scan billing mismatches: %w", err)
	}

	issues := make([]Issue, 0, len(rows))
	for _, row := range rows {
		issues = append(issues, Issue{
			Type:      IssueBillingMismatch,
			Severity:  "medium",
			OrderID:   row.ID,
			UserID:    row.UserID,
			BillingID: row.BillingID,
		})
	}
	return issues, nil
}

func (r *Reconciler) expirePendingOrders() ([]Issue, error) {
	cutoff := time.Now().Add(-r.pendingTTL)

	result := r.db.Model(&models.PaymentOrder{}).
		Where("status = ? AND created_at < ?", models.OrderPending, cutoff).
		Update("status", models.OrderExpired)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to expire pending orders: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return []Issue{{
		Type:     IssueExpiredOrders,
		Severity: "info",
		Count:    result.RowsAffected,
	}}, nil
}

func (r *Reconciler) fix(issues []Issue) int {
	fixed := 0
	for _, issue := range issues {
		switch issue.Type {
		case IssuePaidNotDelivered:
			if err := r.coordinator.Deliver(issue.OrderID); err != nil {
				fiberlog.Errorf("failed to redeliver order %s: %v", issue.OrderID, err)
				continue
			}
			fixed++
		case IssueBillingMismatch:
			err := r.db.Model(&models.BillingEvent{}).
				Where("id = ?", issue.BillingID).
				Update("status", models.BillingPaid).Error
			if err != nil {
				fiberlog.Errorf("failed to settle billing event %s: %v", issue.BillingID, err)
				continue
			}
			fixed++
		}
	}
	return fixed
}
