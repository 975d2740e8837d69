package sepay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/safar/go-shop-payments/internal/payment"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	transactionsPath    = "/userapi/transactions/list"
	defaultListLimit    = 50
	maxResponseBodySize = 1 << 20
	sepayDateLayout     = "2006-01-02 15:04:05"
)

type apiTransaction struct {
	ID                 flexString      `json:"id"`
	BankBrandName      string          `json:"bank_brand_name"`
	AccountNumber      string          `json:"account_number"`
	TransactionDate    string          `json:"transaction_date"`
	AmountOut          decimal.Decimal `json:"amount_out"`
	AmountIn           decimal.Decimal `json:"amount_in"`
	Accumulated        decimal.Decimal `json:"accumulated"`
	TransactionContent string          `json:"transaction_content"`
	ReferenceNumber    *string         `json:"reference_number"`
	Code               *string         `json:"code"`
	SubAccount         *string         `json:"sub_account"`
}

type listResponse struct {
	Status       int              `json:"status"`
	Error        any              `json:"error"`
	Transactions []apiTransaction `json:"transactions"`
}

// toWebhook reshapes a history row into the webhook body, so both delivery
// paths share ParseTransaction.
func (t apiTransaction) toWebhook() Webhook {
	hook := Webhook{
		ID:              t.ID,
		Gateway:         t.BankBrandName,
		TransactionDate: t.TransactionDate,
		AccountNumber:   t.AccountNumber,
		SubAccount:      t.SubAccount,
		Accumulated:     t.Accumulated,
		Code:            t.Code,
		Content:         t.TransactionContent,
		ReferenceCode:   t.ReferenceNumber,
	}
	if t.AmountIn.IsPositive() {
		hook.TransferType = "in"
		hook.TransferAmount = t.AmountIn
	} else {
		hook.TransferType = "out"
		hook.TransferAmount = t.AmountOut
	}
	return hook
}

// ListTransactions fetches recent transactions for the receiving account
// from the Sepay user API and returns them as webhook-shaped JSON bodies.
func (p *Provider) ListTransactions(ctx context.Context, query payment.TransactionQuery) ([][]byte, error) {
	if p.cfg.APIToken == "" {
		return nil, &payment.ConfigError{Provider: providerName, Field: "api token"}
	}

	account := query.AccountNumber
	if account == "" {
		account = p.cfg.AccountNumber
	}
	if account == "" {
		return nil, &payment.ConfigError{Provider: providerName, Field: "account number"}
	}

	limit := query.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	params := url.Values{}
	params.Set("account_number", account)
	params.Set("limit", strconv.Itoa(limit))
	if !query.Since.IsZero() {
		params.Set("transaction_date_min", query.Since.Format(sepayDateLayout))
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.cfg.APIBaseURL+transactionsPath+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", payment.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		p.logger.Warn("transaction list request failed",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body))
		return nil, fmt.Errorf("%w: status %d", payment.ErrGatewayUnavailable, resp.StatusCode)
	}

	var decoded listResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode transaction list: %w", err)
	}

	bodies := make([][]byte, 0, len(decoded.Transactions))
	for _, t := range decoded.Transactions {
		encoded, err := json.Marshal(t.toWebhook())
		if err != nil {
			return nil, fmt.Errorf("encode transaction %s: %w", t.ID, err)
		}
		bodies = append(bodies, encoded)
	}

	return bodies, nil
}
