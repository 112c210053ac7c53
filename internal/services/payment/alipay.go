package payment

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/vidsum/vidsum-api/internal/models"
)

const defaultAlipayGateway = "https://openapi.alipay.com/gateway.do"

// AlipayConfig carries the merchant credentials for Alipay page pay.
type AlipayConfig struct {
	AppID      string `yaml:"app_id"`
	PrivateKey string `yaml:"private_key"`
	PublicKey  string `yaml:"public_key"`
	NotifyURL  string `yaml:"notify_url"`
	ReturnURL  string `yaml:"return_url"`
	Gateway    string `yaml:"gateway"`
}

// AlipayProvider signs page-pay requests and verifies async notifications
// with the RSA2 scheme: SHA256 over the sorted key=value form.
type AlipayProvider struct {
	appID      string
	gateway    string
	notifyURL  string
	returnURL  string
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
}

func NewAlipayProvider(cfg AlipayConfig) (*AlipayProvider, error) {
	if cfg.AppID == "" {
		return nil, errors.New("alipay app_id is required")
	}
	privateKey, err := parseRSAPrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid alipay private key: %w", err)
	}
	publicKey, err := parseRSAPublicKey(cfg.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid alipay public key: %w", err)
	}

	gateway := cfg.Gateway
	if gateway == "" {
		gateway = defaultAlipayGateway
	}
	return &AlipayProvider{
		appID:      cfg.AppID,
		gateway:    gateway,
		notifyURL:  cfg.NotifyURL,
		returnURL:  cfg.ReturnURL,
		privateKey: privateKey,
		publicKey:  publicKey,
	}, nil
}

func (p *AlipayProvider) Name() string { return "alipay" }

// CreatePayment builds the signed page-pay redirect URL.
func (p *AlipayProvider) CreatePayment(ctx context.Context, order *models.PaymentOrder) (string, error) {
	bizContent, err := json.Marshal(map[string]string{
		"out_trade_no": order.ID,
		"product_code": "FAST_INSTANT_TRADE_PAY",
		"total_amount": fmt.Sprintf("%.2f", float64(order.AmountCents)/100),
		"subject":      "vidsum-" + order.PlanID,
	})
	if err != nil {
		return "", err
	}

	params := map[string]string{
		"app_id":      p.appID,
		"method":      "alipay.trade.page.pay",
		"charset":     "utf-8",
		"sign_type":   "RSA2",
		"timestamp":   time.Now().Format("2006-01-02 15:04:05"),
		"version":     "1.0",
		"biz_content": string(bizContent),
	}
	if p.notifyURL != "" {
		params["notify_url"] = p.notifyURL
	}
	if p.returnURL != "" {
		params["return_url"] = p.returnURL
	}

	signature, err := p.sign(signPayload(params))
	if err != nil {
		return "", fmt.Errorf("failed to sign alipay request: %w", err)
	}
	params["sign"] = signature

	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	return p.gateway + "?" + query.Encode(), nil
}

// VerifyNotify validates an async notification's signature and returns the
// verified fields. Returns (nil, false) when the signature does not match.
func (p *AlipayProvider) VerifyNotify(form url.Values) (map[string]string, bool) {
	data := make(map[string]string, len(form))
	for key := range form {
		data[key] = form.Get(key)
	}

	signature := data["sign"]
	if signature == "" {
		return nil, false
	}
	delete(data, "sign")
	delete(data, "sign_type")

	if err := p.verify(signPayload(data), signature); err != nil {
		return nil, false
	}
	return data, true
}

func (p *AlipayProvider) sign(payload string) (string, error) {
	digest := sha256.Sum256([]byte(payload))
	signature, err := rsa.SignPKCS1v15(rand.Reader, p.privateKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(signature), nil
}

func (p *AlipayProvider) verify(payload, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return err
	}
	digest := sha256.Sum256([]byte(payload))
	return rsa.VerifyPKCS1v15(p.publicKey, crypto.SHA256, digest[:], sig)
}

// signPayload builds the canonical string: keys sorted, empty values
// skipped, joined as key=value with &.
func signPayload(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for key, value := range params {
		if value == "" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+params[key])
	}
	return strings.Join(pairs, "&")
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(normalizePEM(pemData, "RSA PRIVATE KEY")))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an RSA private key")
	}
	return key, nil
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(normalizePEM(pemData, "PUBLIC KEY")))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return key, nil
}

// normalizePEM tolerates keys pasted into env vars: escaped newlines, or a
// bare base64 body without the PEM armor.
func normalizePEM(value, header string) string {
	value = strings.TrimSpace(strings.ReplaceAll(value, `\n`, "\n"))
	if value == "" || strings.Contains(value, "-----BEGIN") {
		return value
	}
	return "-----BEGIN " + header + "-----\n" + value + "\n-----END " + header + "-----"
}
