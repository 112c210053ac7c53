package payment

import (
	"context"
	"encoding/json"
	"fmt"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/vidsum/vidsum-api/internal/models"
)

// StripeConfig carries the Stripe credentials and redirect URLs.
type StripeConfig struct {
	SecretKey     string `yaml:"secret_key"`
	WebhookSecret string `yaml:"webhook_secret"`
	SuccessURL    string `yaml:"success_url"`
	CancelURL     string `yaml:"cancel_url"`
}

// StripeProvider sells plans through Checkout. The order ID rides along as
// session metadata and comes back in the webhook.
type StripeProvider struct {
	webhookSecret string
	successURL    string
	cancelURL     string
	coordinator   *Coordinator
}

func NewStripeProvider(cfg StripeConfig, coordinator *Coordinator) *StripeProvider {
	stripe.Key = cfg.SecretKey
	return &StripeProvider{
		webhookSecret: cfg.WebhookSecret,
		successURL:    cfg.SuccessURL,
		cancelURL:     cfg.CancelURL,
		coordinator:   coordinator,
	}
}

func (p *StripeProvider) Name() string { return "stripe" }

// CreatePayment opens a Checkout session and returns its hosted URL.
func (p *StripeProvider) CreatePayment(ctx context.Context, order *models.PaymentOrder) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String("cny"),
					UnitAmount: stripe.Int64(order.AmountCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String("vidsum-" + order.PlanID),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(p.successURL),
		CancelURL:  stripe.String(p.cancelURL),
		Metadata: map[string]string{
			"order_id": order.ID,
			"user_id":  order.UserID,
		},
	}

	sess, err := session.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}
	return sess.URL, nil
}

// HandleWebhook verifies a Stripe event and routes completed checkouts
// through the shared idempotent settlement path.
func (p *StripeProvider) HandleWebhook(payload []byte, signature string) error {
	event, err := webhook.ConstructEvent(payload, signature, p.webhookSecret)
	if err != nil {
		return fmt.Errorf("failed to verify webhook signature: %w", err)
	}

	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return fmt.Errorf("failed to parse checkout session: %w", err)
		}

		orderID := sess.Metadata["order_id"]
		if orderID == "" {
			return fmt.Errorf("checkout session %s has no order_id metadata", sess.ID)
		}
		paid := sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid

		if _, err := p.coordinator.HandleCallback(p.Name(), sess.ID, orderID, paid); err != nil {
			return err
		}
		return nil
	default:
		fiberlog.Debugf("ignoring stripe event %s", event.Type)
		return nil
	}
}
