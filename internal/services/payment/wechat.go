package payment

import (
	"bytes"
	"context"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"

	"github.com/vidsum/vidsum-api/internal/models"
)

const wechatAPIBase = "https://api.mch.weixin.qq.com"

// WechatConfig carries the merchant credentials for WeChat Pay v3.
type WechatConfig struct {
	AppID      string `yaml:"app_id"`
	MchID      string `yaml:"mch_id"`
	SerialNo   string `yaml:"serial_no"`
	APIv3Key   string `yaml:"api_v3_key"`
	PrivateKey string `yaml:"private_key"`
	NotifyURL  string `yaml:"notify_url"`
	APIBase    string `yaml:"api_base"`
}

// WechatProvider implements WeChat Pay v3 native payments: signed merchant
// requests, platform certificate verification of callbacks, and AES-GCM
// decryption of notification resources.
type WechatProvider struct {
	appID      string
	mchID      string
	serialNo   string
	apiV3Key   []byte
	notifyURL  string
	apiBase    string
	privateKey *rsa.PrivateKey
	httpClient *http.Client

	certMu sync.RWMutex
	certs  map[string]*rsa.PublicKey
}

func NewWechatProvider(cfg WechatConfig) (*WechatProvider, error) {
	if cfg.AppID == "" || cfg.MchID == "" || cfg.SerialNo == "" {
		return nil, errors.New("wechat app_id, mch_id and serial_no are required")
	}
	privateKey, err := parseRSAPrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid wechat private key: %w", err)
	}

	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = wechatAPIBase
	}
	return &WechatProvider{
		appID:      cfg.AppID,
		mchID:      cfg.MchID,
		serialNo:   cfg.SerialNo,
		apiV3Key:   []byte(cfg.APIv3Key),
		notifyURL:  cfg.NotifyURL,
		apiBase:    apiBase,
		privateKey: privateKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		certs:      make(map[string]*rsa.PublicKey),
	}, nil
}

func (p *WechatProvider) Name() string { return "wechat" }

// CreatePayment opens a native transaction and returns the QR code URL.
func (p *WechatProvider) CreatePayment(ctx context.Context, order *models.PaymentOrder) (string, error) {
	payload := map[string]any{
		"appid":        p.appID,
		"mchid":        p.mchID,
		"description":  "vidsum-" + order.PlanID,
		"out_trade_no": order.ID,
		"notify_url":   p.notifyURL,
		"amount": map[string]any{
			"total":    order.AmountCents,
			"currency": "CNY",
		},
	}

	var result struct {
		CodeURL string `json:"code_url"`
	}
	if err := p.request(ctx, http.MethodPost, "/v3/pay/transactions/native", payload, &result); err != nil {
		return "", err
	}
	if result.CodeURL == "" {
		return "", errors.New("wechat returned no code_url")
	}
	return result.CodeURL, nil
}

// WechatTradeResult is a decrypted payment notification.
type WechatTradeResult struct {
	OutTradeNo    string `json:"out_trade_no"`
	TransactionID string `json:"transaction_id"`
	TradeState    string `json:"trade_state"`
}

// VerifySignature checks the platform signature over the callback body. The
// platform certificate is looked up by serial, refreshing the local cache
// once on a miss.
func (p *WechatProvider) VerifySignature(ctx context.Context, signature, timestamp, nonce, serial string, body []byte) bool {
	if signature == "" || timestamp == "" || nonce == "" || serial == "" {
		return false
	}

	publicKey := p.certForSerial(serial)
	if publicKey == nil {
		if err := p.refreshCerts(ctx); err != nil {
			fiberlog.Errorf("failed to refresh wechat platform certs: %v", err)
			return false
		}
		publicKey = p.certForSerial(serial)
	}
	if publicKey == nil {
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	message := timestamp + "\n" + nonce + "\n" + string(body) + "\n"
	digest := sha256.Sum256([]byte(message))
	return rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, digest[:], sig) == nil
}

// ParseNotification decrypts the notification's resource envelope.
func (p *WechatProvider) ParseNotification(body []byte) (*WechatTradeResult, error) {
	var envelope struct {
		Resource wechatResource `json:"resource"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("malformed wechat notification: %w", err)
	}

	plaintext, err := p.decryptResource(envelope.Resource)
	if err != nil {
		return nil, err
	}

	var result WechatTradeResult
	if err := json.Unmarshal(plaintext, &result); err != nil {
		return nil, fmt.Errorf("malformed wechat trade payload: %w", err)
	}
	return &result, nil
}

type wechatResource struct {
	Ciphertext     string `json:"ciphertext"`
	Nonce          string `json:"nonce"`
	AssociatedData string `json:"associated_data"`
}

func (p *WechatProvider) decryptResource(resource wechatResource) ([]byte, error) {
	if resource.Ciphertext == "" || resource.Nonce == "" {
		return nil, errors.New("invalid resource payload")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(resource.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("bad resource ciphertext: %w", err)
	}

	block, err := aes.NewCipher(p.apiV3Key)
	if err != nil {
		return nil, fmt.Errorf("bad api v3 key: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	var aad []byte
	if resource.AssociatedData != "" {
		aad = []byte(resource.AssociatedData)
	}
	plaintext, err := gcm.Open(nil, []byte(resource.Nonce), ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt resource: %w", err)
	}
	return plaintext, nil
}

func (p *WechatProvider) certForSerial(serial string) *rsa.PublicKey {
	p.certMu.RLock()
	defer p.certMu.RUnlock()
	return p.certs[serial]
}

func (p *WechatProvider) refreshCerts(ctx context.Context) error {
	var payload struct {
		Data []struct {
			SerialNo           string         `json:"serial_no"`
			EncryptCertificate wechatResource `json:"encrypt_certificate"`
		} `json:"data"`
	}
	if err := p.request(ctx, http.MethodGet, "/v3/certificates", nil, &payload); err != nil {
		return err
	}

	certs := make(map[string]*rsa.PublicKey, len(payload.Data))
	for _, item := range payload.Data {
		pemData, err := p.decryptResource(item.EncryptCertificate)
		if err != nil {
			fiberlog.Warnf("skipping wechat cert %s: %v", item.SerialNo, err)
			continue
		}
		block, _ := pem.Decode(pemData)
		if block == nil {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			fiberlog.Warnf("skipping wechat cert %s: %v", item.SerialNo, err)
			continue
		}
		if publicKey, ok := cert.PublicKey.(*rsa.PublicKey); ok {
			certs[item.SerialNo] = publicKey
		}
	}
	if len(certs) == 0 {
		return errors.New("no usable platform certificates returned")
	}

	p.certMu.Lock()
	p.certs = certs
	p.certMu.Unlock()
	return nil
}

func (p *WechatProvider) request(ctx context.Context, method, path string, payload, out any) error {
	body := ""
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = string(encoded)
	}

	auth, err := p.authHeader(method, path, body)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	}
	req, err := http.NewRequestWithContext(ctx, method, p.apiBase+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "vidsum-api")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("wechat request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("wechat %s %s returned %d: %s", method, path, resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// authHeader signs method\npath\ntimestamp\nnonce\nbody\n with the merchant
// key, per the v3 request signature scheme.
func (p *WechatProvider) authHeader(method, path, body string) (string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", err
	}
	nonce := hex.EncodeToString(nonceBytes)

	message := method + "\n" + path + "\n" + timestamp + "\n" + nonce + "\n" + body + "\n"
	digest := sha256.Sum256([]byte(message))
	signature, err := rsa.SignPKCS1v15(rand.Reader, p.privateKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(
		`WECHATPAY2-SHA256-RSA2048 mchid="%s",nonce_str="%s",timestamp="%s",serial_no="%s",signature="%s"`,
		p.mchID, nonce, timestamp, p.serialNo, base64.StdEncoding.EncodeToString(signature),
	), nil
}
