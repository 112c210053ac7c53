package payment

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"testing"
)

func testWechatKeyPEM(t *testing.T) string {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}

func testWechatProvider(t *testing.T, apiV3Key string) *WechatProvider {
	t.Helper()

	provider, err := NewWechatProvider(WechatConfig{
		AppID:      "wx-app",
		MchID:      "mch-1",
		SerialNo:   "serial-1",
		APIv3Key:   apiV3Key,
		PrivateKey: testWechatKeyPEM(t),
		NotifyURL:  "https://api.example.com/callback/wechat",
	})
	if err != nil {
		t.Fatalf("NewWechatProvider() error = %v", err)
	}
	return provider
}

func encryptResource(t *testing.T, key, nonce, aad string, plaintext []byte) wechatResource {
	t.Helper()

	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		t.Fatalf("bad test key: %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatalf("gcm: %v", err)
	}
	ciphertext := gcm.Seal(nil, []byte(nonce), plaintext, []byte(aad))
	return wechatResource{
		Ciphertext:     base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:          nonce,
		AssociatedData: aad,
	}
}

func TestWechatParseNotification(t *testing.T) {
	const key = "0123456789abcdef0123456789abcdef"
	provider := testWechatProvider(t, key)

	payload, _ := json.Marshal(map[string]string{
		"out_trade_no":   "ord-1",
		"transaction_id": "wx-txn-1",
		"trade_state":    "SUCCESS",
	})
	body, _ := json.Marshal(map[string]any{
		"resource": encryptResource(t, key, "nonce1234567", "transaction", payload),
	})

	result, err := provider.ParseNotification(body)
	if err != nil {
		t.Fatalf("ParseNotification() error = %v", err)
	}
	if result.OutTradeNo != "ord-1" {
		t.Errorf("OutTradeNo = %q, want ord-1", result.OutTradeNo)
	}
	if result.TransactionID != "wx-txn-1" {
		t.Errorf("TransactionID = %q, want wx-txn-1", result.TransactionID)
	}
	if result.TradeState != "SUCCESS" {
		t.Errorf("TradeState = %q, want SUCCESS", result.TradeState)
	}
}

func TestWechatParseNotificationWrongKey(t *testing.T) {
	const key = "0123456789abcdef0123456789abcdef"
	provider := testWechatProvider(t, "ffffffffffffffffffffffffffffffff")

	payload, _ := json.Marshal(map[string]string{"trade_state": "SUCCESS"})
	body, _ := json.Marshal(map[string]any{
		"resource": encryptResource(t, key, "nonce1234567", "transaction", payload),
	})

	if _, err := provider.ParseNotification(body); err == nil {
		t.Error("ParseNotification() with wrong key succeeded, want error")
	}
}

func TestWechatVerifySignatureMissingHeaders(t *testing.T) {
	provider := testWechatProvider(t, "0123456789abcdef0123456789abcdef")

	if provider.VerifySignature(t.Context(), "", "ts", "nonce", "serial", []byte("{}")) {
		t.Error("VerifySignature() = true with missing signature header")
	}
}
