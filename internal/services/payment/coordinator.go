package payment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vidsum/vidsum-api/internal/models"
	"github.com/vidsum/vidsum-api/internal/services/credits"
	"github.com/vidsum/vidsum-api/internal/services/database"
)

var (
	// ErrUnknownPlan is returned for plan IDs not present in configuration.
	ErrUnknownPlan = errors.New("unknown pricing plan")

	// ErrUnknownProvider is returned for providers with no registered client.
	ErrUnknownProvider = errors.New("unknown payment provider")

	// ErrOrderNotFound is returned when an order does not exist or belongs
	// to another user.
	ErrOrderNotFound = errors.New("order not found")
)

// Provider initiates a payment with an external processor and returns the
// URL the client should open.
type Provider interface {
	Name() string
	CreatePayment(ctx context.Context, order *models.PaymentOrder) (string, error)
}

// CreateResult is the response to a payment creation request.
type CreateResult struct {
	OrderID     string `json:"order_id"`
	PaymentURL  string `json:"payment_url"`
	BillingID   string `json:"billing_id"`
	AmountCents int64  `json:"amount_cents"`
}

// PlanInfo is one purchasable plan as exposed to clients.
type PlanInfo struct {
	PlanID      string          `json:"plan_id"`
	Type        models.PlanType `json:"type"`
	AmountCents int64           `json:"amount_cents"`
	Credits     int             `json:"credits,omitzero"`
	PeriodDays  int             `json:"period_days,omitzero"`
}

// Coordinator owns the payment order lifecycle: creation, the idempotent
// callback path, and delivery of what was bought.
type Coordinator struct {
	db        *database.DB
	ledger    *credits.LedgerService
	idem      *IdempotencyManager
	plans     map[string]models.PricingPlan
	providers map[string]Provider
}

func NewCoordinator(db *database.DB, ledger *credits.LedgerService, idem *IdempotencyManager, plans map[string]models.PricingPlan) (*Coordinator, error) {
	if err := db.AutoMigrate(&models.PaymentOrder{}, &models.BillingEvent{}, &models.UserPlan{}); err != nil {
		return nil, fmt.Errorf("failed to migrate payment tables: %w", err)
	}
	return &Coordinator{
		db:        db,
		ledger:    ledger,
		idem:      idem,
		plans:     plans,
		providers: make(map[string]Provider),
	}, nil
}

// RegisterProvider makes a payment provider available for order creation.
func (c *Coordinator) RegisterProvider(p Provider) {
	c.providers[p.Name()] = p
}

// Plans lists the purchasable plans in stable order.
func (c *Coordinator) Plans() []PlanInfo {
	ids := make([]string, 0, len(c.plans))
	for id := range c.plans {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	plans := make([]PlanInfo, 0, len(ids))
	for _, id := range ids {
		plan := c.plans[id]
		plans = append(plans, PlanInfo{
			PlanID:      id,
			Type:        plan.Type,
			AmountCents: plan.AmountCents,
			Credits:     plan.Credits,
			PeriodDays:  plan.PeriodDays,
		})
	}
	return plans
}

// Create opens a pending order plus its billing event, then asks the
// provider for a payment URL.
func (c *Coordinator) Create(ctx context.Context, userID, planID, providerName string) (*CreateResult, error) {
	plan, ok := c.plans[planID]
	if !ok {
		return nil, ErrUnknownPlan
	}
	provider, ok := c.providers[providerName]
	if !ok {
		return nil, ErrUnknownProvider
	}

	order := &models.PaymentOrder{
		ID:          uuid.NewString(),
		UserID:      userID,
		PlanID:      planID,
		AmountCents: plan.AmountCents,
		Provider:    providerName,
		Status:      models.OrderPending,
		BillingID:   uuid.NewString(),
	}
	billing := &models.BillingEvent{
		ID:          order.BillingID,
		UserID:      userID,
		AmountCents: plan.AmountCents,
		Status:      models.BillingPending,
	}

	err := c.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		if err := tx.Create(billing).Error; err != nil {
			return fmt.Errorf("failed to create billing event: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	paymentURL, err := provider.CreatePayment(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("provider %s rejected order %s: %w", providerName, order.ID, err)
	}

	fiberlog.Infof("[%s] created %s order %s for plan %s (%d cents)",
		userID, providerName, order.ID, planID, plan.AmountCents)

	return &CreateResult{
		OrderID:     order.ID,
		PaymentURL:  paymentURL,
		BillingID:   order.BillingID,
		AmountCents: plan.AmountCents,
	}, nil
}

// Status returns the order as seen by its owner.
func (c *Coordinator) Status(userID, orderID string) (*models.PaymentOrder, error) {
	var order models.PaymentOrder
	err := c.db.Where("id = ? AND user_id = ?", orderID, userID).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return &order, nil
}

// HandleCallback runs the idempotent settlement path shared by all
// providers. It returns the result string the provider callback should
// acknowledge with, which for replays is the recorded first result.
func (c *Coordinator) HandleCallback(providerName, txnID, orderID string, paid bool) (string, error) {
	key := IdempotencyKey(providerName, txnID)

	isNew, existing, err := c.idem.CheckAndLock(key)
	if err != nil {
		return "", err
	}
	if !isNew {
		fiberlog.Infof("duplicate %s callback for txn %s, replaying %q", providerName, txnID, existing)
		if existing == "" {
			return "success", nil
		}
		return existing, nil
	}

	if !paid {
		if err := c.idem.MarkCompleted(key, "ignored"); err != nil {
			return "", err
		}
		return "ignored", nil
	}

	if err := c.settle(orderID, txnID); err != nil {
		fiberlog.Errorf("callback for order %s failed: %v", orderID, err)
		if releaseErr := c.idem.MarkFailed(key); releaseErr != nil {
			fiberlog.Errorf("failed to release idempotency key %s: %v", key, releaseErr)
		}
		return "", err
	}

	if err := c.idem.MarkCompleted(key, "success"); err != nil {
		return "", err
	}
	return "success", nil
}

func (c *Coordinator) settle(orderID, txnID string) error {
	if err := c.MarkPaid(orderID, txnID); err != nil {
		return err
	}
	return c.Deliver(orderID)
}

// MarkPaid moves a pending order to paid with the provider's transaction id.
// Orders already past pending are left alone.
func (c *Coordinator) MarkPaid(orderID, txnID string) error {
	result := c.db.Model(&models.PaymentOrder{}).
		Where("id = ? AND status = ?", orderID, models.OrderPending).
		Updates(map[string]any{
			"status":          models.OrderPaid,
			"external_txn_id": txnID,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark order %s paid: %w", orderID, result.Error)
	}
	return nil
}

// Deliver hands over what the order bought: credits for one-time packs, a
// period extension for subscriptions. Delivery, the order transition and the
// billing update commit in one transaction; replays on a delivered order are
// no-ops.
func (c *Coordinator) Deliver(orderID string) error {
	return c.db.Transaction(func(tx *gorm.DB) error {
		var order models.PaymentOrder
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", orderID).First(&order).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrOrderNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load order %s: %w", orderID, err)
		}

		if order.Status == models.OrderDelivered {
			return nil
		}
		if order.Status != models.OrderPaid {
			return fmt.Errorf("order %s is %s, cannot deliver", orderID, order.Status)
		}

		plan, ok := c.plans[order.PlanID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPlan, order.PlanID)
		}

		var periodStart, periodEnd *time.Time
		switch plan.Type {
		case models.PlanSubscription:
			start, end, err := extendPlan(tx, order.UserID, order.PlanID, plan.PeriodDays)
			if err != nil {
				return err
			}
			periodStart, periodEnd = &start, &end
		default:
			if err := c.ledger.GrantTx(tx, order.UserID, plan.Credits, models.CreditEventPurchase, order.ID); err != nil {
				return err
			}
		}

		result := tx.Model(&models.PaymentOrder{}).
			Where("id = ? AND status = ?", orderID, models.OrderPaid).
			Update("status", models.OrderDelivered)
		if result.Error != nil {
			return fmt.Errorf("failed to mark order %s delivered: %w", orderID, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("order %s changed state during delivery", orderID)
		}

		err = tx.Model(&models.BillingEvent{}).
			Where("id = ?", order.BillingID).
			Updates(map[string]any{
				"status":       models.BillingPaid,
				"period_start": periodStart,
				"period_end":   periodEnd,
			}).Error
		if err != nil {
			return fmt.Errorf("failed to settle billing event %s: %w", order.BillingID, err)
		}

		fiberlog.Infof("[%s] delivered order %s (%s)", order.UserID, orderID, order.PlanID)
		return nil
	})
}

// extendPlan pushes the user's subscription period forward. An active period
// extends from its current end; a lapsed or missing one restarts from now.
func extendPlan(tx *gorm.DB, userID, planID string, periodDays int) (time.Time, time.Time, error) {
	now := time.Now()
	duration := time.Duration(periodDays) * 24 * time.Hour

	var existing models.UserPlan
	err := tx.Where("user_id = ?", userID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		plan := models.UserPlan{UserID: userID, PlanID: planID, CurrentPeriodEnd: now.Add(duration)}
		if err := tx.Create(&plan).Error; err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("failed to create user plan: %w", err)
		}
		return now, plan.CurrentPeriodEnd, nil
	case err != nil:
		return time.Time{}, time.Time{}, fmt.Errorf("failed to load user plan: %w", err)
	}

	start := now
	if existing.CurrentPeriodEnd.After(now) {
		start = existing.CurrentPeriodEnd
	}
	end := start.Add(duration)
	err = tx.Model(&models.UserPlan{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{"plan_id": planID, "current_period_end": end}).Error
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("failed to extend user plan: %w", err)
	}
	return start, end, nil
}

// HasActivePlan reports whether the user's subscription covers now.
func (c *Coordinator) HasActivePlan(userID string) (bool, error) {
	var plan models.UserPlan
	err := c.db.Where("user_id = ? AND current_period_end > ?", userID, time.Now()).First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check user plan: %w", err)
	}
	return true, nil
}
