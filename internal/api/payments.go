package api

import (
	"errors"
	"net/url"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"

	"github.com/vidsum/vidsum-api/internal/services/auth"
	"github.com/vidsum/vidsum-api/internal/services/payment"
)

// PaymentsHandler exposes order creation and the per-provider callback
// endpoints. Callback responses follow each provider's contract: alipay
// expects a bare "success"/"fail" body, wechat a JSON code object.
type PaymentsHandler struct {
	coordinator *payment.Coordinator
	alipay      *payment.AlipayProvider
	wechat      *payment.WechatProvider
	stripe      *payment.StripeProvider
}

func NewPaymentsHandler(
	coordinator *payment.Coordinator,
	alipay *payment.AlipayProvider,
	wechat *payment.WechatProvider,
	stripe *payment.StripeProvider,
) *PaymentsHandler {
	return &PaymentsHandler{
		coordinator: coordinator,
		alipay:      alipay,
		wechat:      wechat,
		stripe:      stripe,
	}
}

type createOrderRequest struct {
	PlanID   string `json:"plan_id"`
	Provider string `json:"provider"`
}

// CreateOrder handles POST /api/payments/create.
func (h *PaymentsHandler) CreateOrder(c *fiber.Ctx) error {
	identity, ok := auth.GetIdentity(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	var req createOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	result, err := h.coordinator.Create(c.Context(), identity.UserID, req.PlanID, req.Provider)
	if err != nil {
		if errors.Is(err, payment.ErrUnknownPlan) || errors.Is(err, payment.ErrUnknownProvider) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		fiberlog.Errorf("[%s] order creation failed: %v", identity.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to create payment order",
		})
	}
	return c.JSON(result)
}

// GetStatus handles GET /api/payments/status/:id, scoped to the caller.
func (h *PaymentsHandler) GetStatus(c *fiber.Ctx) error {
	identity, ok := auth.GetIdentity(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	order, err := h.coordinator.Status(identity.UserID, c.Params("id"))
	if err != nil {
		if errors.Is(err, payment.ErrOrderNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "order not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to load order",
		})
	}
	return c.JSON(order)
}

// ListPlans handles GET /api/payments/plans.
func (h *PaymentsHandler) ListPlans(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"plans": h.coordinator.Plans()})
}

// AlipayCallback handles the async notify POST. The body is form-encoded and
// signed; a verified TRADE_SUCCESS or TRADE_FINISHED settles the order.
func (h *PaymentsHandler) AlipayCallback(c *fiber.Ctx) error {
	if h.alipay == nil {
		return c.SendString("fail")
	}

	form := url.Values{}
	c.Request().PostArgs().VisitAll(func(key, value []byte) {
		form.Add(string(key), string(value))
	})

	fields, ok := h.alipay.VerifyNotify(form)
	if !ok {
		fiberlog.Warn("alipay notify rejected: bad signature")
		return c.SendString("fail")
	}

	orderID := fields["out_trade_no"]
	txnID := fields["trade_no"]
	status := fields["trade_status"]
	paid := status == "TRADE_SUCCESS" || status == "TRADE_FINISHED"

	if _, err := h.coordinator.HandleCallback("alipay", txnID, orderID, paid); err != nil {
		fiberlog.Errorf("alipay callback for order %s failed: %v", orderID, err)
		return c.SendString("fail")
	}
	return c.SendString("success")
}

// WechatCallback handles the v3 notify POST. The platform signature covers
// timestamp, nonce and the raw body; the resource decrypts with the APIv3 key.
func (h *PaymentsHandler) WechatCallback(c *fiber.Ctx) error {
	if h.wechat == nil {
		return wechatAck(c, fiber.StatusInternalServerError, "FAIL", "wechat not configured")
	}

	body := c.Body()
	verified := h.wechat.VerifySignature(c.Context(),
		c.Get("Wechatpay-Signature"),
		c.Get("Wechatpay-Timestamp"),
		c.Get("Wechatpay-Nonce"),
		c.Get("Wechatpay-Serial"),
		body,
	)
	if !verified {
		fiberlog.Warn("wechat notify rejected: bad signature")
		return wechatAck(c, fiber.StatusUnauthorized, "FAIL", "invalid signature")
	}

	result, err := h.wechat.ParseNotification(body)
	if err != nil {
		fiberlog.Errorf("wechat notify decrypt failed: %v", err)
		return wechatAck(c, fiber.StatusBadRequest, "FAIL", "malformed notification")
	}

	paid := result.TradeState == "SUCCESS"
	if _, err := h.coordinator.HandleCallback("wechat", result.TransactionID, result.OutTradeNo, paid); err != nil {
		fiberlog.Errorf("wechat callback for order %s failed: %v", result.OutTradeNo, err)
		return wechatAck(c, fiber.StatusInternalServerError, "FAIL", "processing failed")
	}
	return wechatAck(c, fiber.StatusOK, "SUCCESS", "OK")
}

func wechatAck(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"code": code, "message": message})
}

// StripeWebhook handles POST /api/payments/webhook/stripe.
func (h *PaymentsHandler) StripeWebhook(c *fiber.Ctx) error {
	if h.stripe == nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "stripe not configured",
		})
	}

	if err := h.stripe.HandleWebhook(c.Body(), c.Get("Stripe-Signature")); err != nil {
		fiberlog.Errorf("stripe webhook failed: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"received": true})
}
