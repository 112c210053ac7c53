package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vidsum/vidsum-api/internal/models"
	"github.com/vidsum/vidsum-api/internal/services/credits"
	"github.com/vidsum/vidsum-api/internal/services/database"
)

var testPlans = map[string]models.PricingPlan{
	"starter_pack": {Type: models.PlanOneTime, AmountCents: 100, Credits: 30},
	"pro_monthly":  {Type: models.PlanSubscription, AmountCents: 2990, PeriodDays: 30},
}

type fakeProvider struct {
	name    string
	created []string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) CreatePayment(ctx context.Context, order *models.PaymentOrder) (string, error) {
	f.created = append(f.created, order.ID)
	return "https://pay.example.com/" + order.ID, nil
}

func setupCoordinator(t *testing.T) (*Coordinator, *credits.LedgerService, *database.DB) {
	t.Helper()

	db, err := database.New(models.DatabaseConfig{
		Type:         models.SQLite,
		FilePath:     ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ledger, err := credits.NewLedgerService(db, 30, 10)
	if err != nil {
		t.Fatalf("NewLedgerService() error = %v", err)
	}
	idem, err := NewIdempotencyManager(db)
	if err != nil {
		t.Fatalf("NewIdempotencyManager() error = %v", err)
	}
	coordinator, err := NewCoordinator(db, ledger, idem, testPlans)
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	coordinator.RegisterProvider(&fakeProvider{name: "alipay"})
	return coordinator, ledger, db
}

func TestCreateOrder(t *testing.T) {
	coordinator, _, db := setupCoordinator(t)

	result, err := coordinator.Create(context.Background(), "user-1", "starter_pack", "alipay")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if result.PaymentURL == "" {
		t.Error("Create() returned empty payment URL")
	}
	if result.AmountCents != 100 {
		t.Errorf("AmountCents = %d, want 100", result.AmountCents)
	}

	order, err := coordinator.Status("user-1", result.OrderID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if order.Status != models.OrderPending {
		t.Errorf("new order status = %s, want pending", order.Status)
	}

	var billing models.BillingEvent
	if err := db.Where("id = ?", result.BillingID).First(&billing).Error; err != nil {
		t.Fatalf("billing event not created: %v", err)
	}
	if billing.Status != models.BillingPending {
		t.Errorf("billing status = %s, want pending", billing.Status)
	}
}

func TestCreateOrderUnknownPlan(t *testing.T) {
	coordinator, _, _ := setupCoordinator(t)

	if _, err := coordinator.Create(context.Background(), "user-1", "nope", "alipay"); !errors.Is(err, ErrUnknownPlan) {
		t.Errorf("Create() error = %v, want ErrUnknownPlan", err)
	}
	if _, err := coordinator.Create(context.Background(), "user-1", "starter_pack", "nope"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("Create() error = %v, want ErrUnknownProvider", err)
	}
}

func TestStatusScopedToOwner(t *testing.T) {
	coordinator, _, _ := setupCoordinator(t)

	result, _ := coordinator.Create(context.Background(), "user-1", "starter_pack", "alipay")
	if _, err := coordinator.Status("user-2", result.OrderID); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("Status() for wrong user error = %v, want ErrOrderNotFound", err)
	}
}

func TestCallbackDeliversCredits(t *testing.T) {
	coordinator, ledger, _ := setupCoordinator(t)
	ledger.Ensure("user-1")

	result, _ := coordinator.Create(context.Background(), "user-1", "starter_pack", "alipay")

	ack, err := coordinator.HandleCallback("alipay", "txn-1", result.OrderID, true)
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	if ack != "success" {
		t.Errorf("ack = %q, want success", ack)
	}

	order, _ := coordinator.Status("user-1", result.OrderID)
	if order.Status != models.OrderDelivered {
		t.Errorf("order status = %s, want delivered", order.Status)
	}
	if order.ExternalTxnID != "txn-1" {
		t.Errorf("external txn id = %q, want txn-1", order.ExternalTxnID)
	}

	account, _ := ledger.Balance("user-1")
	if account.Balance != 60 {
		t.Errorf("balance after delivery = %d, want 60", account.Balance)
	}
}

func TestCallbackExtendsSubscription(t *testing.T) {
	coordinator, _, _ := setupCoordinator(t)

	result, _ := coordinator.Create(context.Background(), "user-1", "pro_monthly", "alipay")
	if _, err := coordinator.HandleCallback("alipay", "txn-sub", result.OrderID, true); err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}

	active, err := coordinator.HasActivePlan("user-1")
	if err != nil {
		t.Fatalf("HasActivePlan() error = %v", err)
	}
	if !active {
		t.Error("subscription not active after delivery")
	}

	// A second period stacks on the first.
	result2, _ := coordinator.Create(context.Background(), "user-1", "pro_monthly", "alipay")
	if _, err := coordinator.HandleCallback("alipay", "txn-sub-2", result2.OrderID, true); err != nil {
		t.Fatalf("HandleCallback() #2 error = %v", err)
	}

	var plan models.UserPlan
	if err := coordinator.db.Where("user_id = ?", "user-1").First(&plan).Error; err != nil {
		t.Fatalf("user plan missing: %v", err)
	}
	if remaining := time.Until(plan.CurrentPeriodEnd); remaining < 59*24*time.Hour {
		t.Errorf("period end only %v away, want ~60 days", remaining)
	}
}

func TestCallbackReplaySettlesOnce(t *testing.T) {
	coordinator, ledger, _ := setupCoordinator(t)
	ledger.Ensure("user-1")

	result, _ := coordinator.Create(context.Background(), "user-1", "starter_pack", "alipay")

	for i := 0; i < 3; i++ {
		ack, err := coordinator.HandleCallback("alipay", "txn-dup", result.OrderID, true)
		if err != nil {
			t.Fatalf("HandleCallback() #%d error = %v", i, err)
		}
		if ack != "success" {
			t.Errorf("HandleCallback() #%d ack = %q, want success", i, ack)
		}
	}

	account, _ := ledger.Balance("user-1")
	if account.Balance != 60 {
		t.Errorf("balance after replayed callbacks = %d, want 60 (single delivery)", account.Balance)
	}
}

func TestConcurrentCallbacksSettleOnce(t *testing.T) {
	coordinator, ledger, _ := setupCoordinator(t)
	ledger.Ensure("user-1")

	result, _ := coordinator.Create(context.Background(), "user-1", "starter_pack", "alipay")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			coordinator.HandleCallback("alipay", "txn-race", result.OrderID, true)
		}()
	}
	wg.Wait()

	account, _ := ledger.Balance("user-1")
	if account.Balance != 60 {
		t.Errorf("balance after concurrent callbacks = %d, want 60", account.Balance)
	}

	var events []models.CreditEvent
	coordinator.db.Where("user_id = ? AND kind = ?", "user-1", models.CreditEventPurchase).Find(&events)
	if len(events) != 1 {
		t.Errorf("purchase events = %d, want 1", len(events))
	}
}

func TestCallbackIgnoresUnpaidStatus(t *testing.T) {
	coordinator, ledger, _ := setupCoordinator(t)
	ledger.Ensure("user-1")

	result, _ := coordinator.Create(context.Background(), "user-1", "starter_pack", "alipay")

	ack, err := coordinator.HandleCallback("alipay", "txn-closed", result.OrderID, false)
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	if ack != "ignored" {
		t.Errorf("ack = %q, want ignored", ack)
	}

	order, _ := coordinator.Status("user-1", result.OrderID)
	if order.Status != models.OrderPending {
		t.Errorf("order status = %s, want pending", order.Status)
	}
}

func TestCallbackFailureReleasesKey(t *testing.T) {
	coordinator, ledger, _ := setupCoordinator(t)
	ledger.Ensure("user-1")

	// Unknown order makes settlement fail after the lock was taken.
	if _, err := coordinator.HandleCallback("alipay", "txn-bad", "no-such-order", true); err == nil {
		t.Fatal("HandleCallback() for missing order succeeded, want error")
	}

	// The key must be free again so the provider's redelivery can work once
	// the underlying problem is gone.
	result, _ := coordinator.Create(context.Background(), "user-1", "starter_pack", "alipay")
	ack, err := coordinator.HandleCallback("alipay", "txn-bad", result.OrderID, true)
	if err != nil {
		t.Fatalf("HandleCallback() retry error = %v", err)
	}
	if ack != "success" {
		t.Errorf("retry ack = %q, want success", ack)
	}
}
