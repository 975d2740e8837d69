// Package sepay integrates the Sepay bank-transfer gateway: VietQR image
// links for checkout, HMAC-verified webhooks and the transaction history API.
package sepay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/safar/go-shop-payments/internal/config"
	"github.com/safar/go-shop-payments/internal/payment"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	providerName    = "sepay"
	signatureHeader = "X-Sepay-Signature"
	narrationPrefix = "DH"
	qrTemplate      = "compact"
)

type Provider struct {
	cfg     config.SepayConfig
	logger  *zap.Logger
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

var (
	_ payment.Provider                = (*Provider)(nil)
	_ payment.TransactionLister       = (*Provider)(nil)
	_ payment.SignatureHeaderProvider = (*Provider)(nil)
)

func New(cfg config.SepayConfig, logger *zap.Logger) *Provider {
	return &Provider{
		cfg:     cfg,
		logger:  logger.Named(providerName),
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(2), 2),
		now:     time.Now,
	}
}

func (p *Provider) SignatureHeader() string {
	return signatureHeader
}

// Narration is the transfer description a customer must use for an order:
// "DH" followed by the order id without hyphens, so it survives banks that
// strip punctuation from the free-text field.
func Narration(orderID string) string {
	return narrationPrefix + strings.ReplaceAll(orderID, "-", "")
}

func (p *Provider) GenerateQR(ctx context.Context, req payment.QRRequest) (*payment.QRCodeResponse, error) {
	if req.OrderID == "" {
		return nil, payment.ErrMissingOrderID
	}
	if !req.Amount.IsPositive() {
		return nil, payment.ErrInvalidAmount
	}

	account := payment.BankAccount{
		AccountNumber: p.cfg.AccountNumber,
		BankCode:      p.cfg.BankCode,
		AccountName:   p.cfg.AccountName,
	}
	if override := req.BankAccount; override != nil {
		if override.AccountNumber != "" {
			account.AccountNumber = override.AccountNumber
		}
		if override.BankCode != "" {
			account.BankCode = override.BankCode
		}
		if override.AccountName != "" {
			account.AccountName = override.AccountName
		}
	}

	if account.AccountNumber == "" {
		return nil, &payment.ConfigError{Provider: providerName, Field: "account number"}
	}
	if account.BankCode == "" {
		return nil, &payment.ConfigError{Provider: providerName, Field: "bank code"}
	}

	expiry := time.Duration(req.ExpireMinutes) * time.Minute
	if expiry <= 0 {
		expiry = p.cfg.QRExpiry
	}
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}

	content := Narration(req.OrderID)

	query := url.Values{}
	query.Set("acc", account.AccountNumber)
	query.Set("bank", account.BankCode)
	query.Set("amount", req.Amount.String())
	query.Set("des", content)
	query.Set("template", qrTemplate)
	qrURL := p.cfg.QRBaseURL + "?" + query.Encode()

	metadata := map[string]string{
		"provider": providerName,
		"orderId":  req.OrderID,
		"template": qrTemplate,
	}
	if account.AccountName != "" {
		metadata["accountName"] = account.AccountName
	}
	if req.Description != "" {
		metadata["description"] = req.Description
	}

	return &payment.QRCodeResponse{
		QRURL:       qrURL,
		QRString:    qrURL,
		Amount:      req.Amount,
		Content:     content,
		BankAccount: &account,
		ExpireTime:  p.now().Add(expiry).UTC(),
		Metadata:    metadata,
	}, nil
}

// VerifyWebhook checks the X-Sepay-Signature value, a hex HMAC-SHA256 of the
// canonical JSON body keyed with the webhook secret. With no secret
// configured every notification is accepted.
func (p *Provider) VerifyWebhook(body []byte, signature string) bool {
	if p.cfg.WebhookSecret == "" {
		p.logger.Warn("accepting webhook without signature verification, SEPAY_WEBHOOK_SECRET is not set",
			zap.Bool("signature_present", signature != ""))
		return true
	}

	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}

	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	canonical, err := canonicalJSON(body)
	if err != nil {
		return false
	}

	return hmac.Equal(Sign(p.cfg.WebhookSecret, canonical), got)
}

// Sign returns the raw HMAC-SHA256 of payload keyed with secret.
func Sign(secret string, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}

// canonicalJSON re-encodes body compactly with object keys sorted, numbers
// kept verbatim and &, < and > left unescaped, matching what other JSON
// signers produce for the same payload.
func canonicalJSON(body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// SignBody computes the X-Sepay-Signature header value for a webhook body.
func SignBody(secret string, body []byte) (string, error) {
	canonical, err := canonicalJSON(body)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(Sign(secret, canonical)), nil
}
