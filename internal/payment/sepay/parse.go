package sepay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/safar/go-shop-payments/internal/payment"
	"github.com/shopspring/decimal"
)

// Webhook is the body Sepay posts for every bank transaction.
type Webhook struct {
	ID              flexString      `json:"id"`
	Gateway         string          `json:"gateway"`
	TransactionDate string          `json:"transactionDate"`
	AccountNumber   string          `json:"accountNumber"`
	SubAccount      *string         `json:"subAccount,omitempty"`
	TransferType    string          `json:"transferType"`
	TransferAmount  decimal.Decimal `json:"transferAmount"`
	Accumulated     decimal.Decimal `json:"accumulated"`
	Code            *string         `json:"code,omitempty"`
	Content         string          `json:"content"`
	ReferenceCode   *string         `json:"referenceCode,omitempty"`
	Description     *string         `json:"description,omitempty"`
}

// flexString accepts both JSON strings and numbers; Sepay sends numeric
// transaction ids while the documented contract is a string.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = flexString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}
	*s = flexString(num.String())
	return nil
}

var (
	narrationPattern = regexp.MustCompile(`(?i)DH([0-9a-f-]{32,36})`)
	uuidPattern      = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[1-5][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
)

func (p *Provider) ParseTransaction(body []byte) (*payment.TransactionResult, error) {
	var hook Webhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, &payment.ParseError{Reason: payment.ErrMalformedPayload, Detail: err.Error()}
	}
	if hook.ID == "" {
		return nil, &payment.ParseError{Reason: payment.ErrMalformedPayload, Detail: "missing transaction id"}
	}

	orderID, ok := ExtractOrderID(hook.Content, deref(hook.Code))
	if !ok {
		return nil, &payment.ParseError{
			Reason: payment.ErrInvalidOrderReference,
			Detail: fmt.Sprintf("transaction %s content %q code %q", hook.ID, hook.Content, deref(hook.Code)),
		}
	}

	return &payment.TransactionResult{
		TransactionID:   string(hook.ID),
		OrderID:         orderID,
		Amount:          hook.TransferAmount,
		Status:          classify(hook.TransferType, hook.TransferAmount),
		Gateway:         hook.Gateway,
		ReferenceCode:   deref(hook.ReferenceCode),
		TransactionDate: hook.TransactionDate,
	}, nil
}

// ExtractOrderID finds the order id a transfer refers to. The narration is
// searched first for "DH<id>"; if that yields nothing usable the gateway's
// pre-parsed code field is tried, with its "DH" prefix stripped.
func ExtractOrderID(content, code string) (string, bool) {
	for _, match := range narrationPattern.FindAllStringSubmatch(content, -1) {
		if id, ok := normalizeOrderID(match[1]); ok {
			return id, true
		}
		// A compact id run into trailing text such as "-FT25123".
		if compact := match[1]; len(compact) > 32 && !strings.Contains(compact[:32], "-") {
			if id, ok := normalizeOrderID(compact[:32]); ok {
				return id, true
			}
		}
	}

	code = strings.TrimSpace(code)
	if len(code) >= len(narrationPrefix) && strings.EqualFold(code[:len(narrationPrefix)], narrationPrefix) {
		code = code[len(narrationPrefix):]
	}
	if code != "" {
		if id, ok := normalizeOrderID(code); ok {
			return id, true
		}
	}

	return "", false
}

func normalizeOrderID(candidate string) (string, bool) {
	id := strings.ToLower(candidate)
	if len(id) == 32 && !strings.Contains(id, "-") {
		id = id[0:8] + "-" + id[8:12] + "-" + id[12:16] + "-" + id[16:20] + "-" + id[20:32]
	}
	if !uuidPattern.MatchString(id) {
		return "", false
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", false
	}
	return parsed.String(), true
}

// classify maps a transfer to an outcome. Only incoming transfers with a
// positive amount count as payment; there is no pending outcome.
func classify(transferType string, amount decimal.Decimal) payment.TransactionStatus {
	if transferType == "in" && amount.IsPositive() {
		return payment.TransactionSuccess
	}
	return payment.TransactionFailed
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
