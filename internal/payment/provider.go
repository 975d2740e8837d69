// Package payment defines the contract every payment gateway integration
// implements and the registry that dispatches to them by payment method.
package payment

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Provider is one payment gateway. Implementations must be safe for
// concurrent use.
type Provider interface {
	// GenerateQR builds a bank-transfer QR for an order.
	GenerateQR(ctx context.Context, req QRRequest) (*QRCodeResponse, error)
	// VerifyWebhook checks the integrity of a raw notification body.
	VerifyWebhook(body []byte, signature string) bool
	// ParseTransaction extracts the target order and outcome from a raw
	// notification body.
	ParseTransaction(body []byte) (*TransactionResult, error)
}

// TransactionLister is implemented by providers that can list recent
// transactions from the gateway, for reconciling orders whose webhook never
// arrived. Each returned body is in the same shape ParseTransaction accepts.
type TransactionLister interface {
	ListTransactions(ctx context.Context, query TransactionQuery) ([][]byte, error)
}

// SignatureHeaderProvider is implemented by providers that deliver their
// webhook signature in a provider-specific header.
type SignatureHeaderProvider interface {
	SignatureHeader() string
}

type BankAccount struct {
	AccountNumber string `json:"accountNumber"`
	BankCode      string `json:"bankCode"`
	AccountName   string `json:"accountName,omitempty"`
}

type QRRequest struct {
	OrderID       string
	Amount        decimal.Decimal
	Description   string
	BankAccount   *BankAccount
	ExpireMinutes int
}

type QRCodeResponse struct {
	QRURL       string            `json:"qrUrl"`
	QRString    string            `json:"qrString"`
	Amount      decimal.Decimal   `json:"amount"`
	Content     string            `json:"content"`
	BankAccount *BankAccount      `json:"bankAccount,omitempty"`
	ExpireTime  time.Time         `json:"expireTime"`
	Metadata    map[string]string `json:"metadata"`
}

type TransactionStatus string

const (
	TransactionSuccess TransactionStatus = "success"
	TransactionFailed  TransactionStatus = "failed"
)

type TransactionResult struct {
	TransactionID   string
	OrderID         string
	Amount          decimal.Decimal
	Status          TransactionStatus
	Gateway         string
	ReferenceCode   string
	TransactionDate string
}

type TransactionQuery struct {
	AccountNumber string
	Since         time.Time
	Limit         int
}
