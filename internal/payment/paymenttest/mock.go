// Package paymenttest provides a testify-backed payment.Provider for tests.
package paymenttest

import (
	"context"

	"github.com/safar/go-shop-payments/internal/payment"
	"github.com/stretchr/testify/mock"
)

type MockProvider struct {
	mock.Mock
}

var _ payment.Provider = (*MockProvider)(nil)

func (m *MockProvider) GenerateQR(ctx context.Context, req payment.QRRequest) (*payment.QRCodeResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.QRCodeResponse), args.Error(1)
}

func (m *MockProvider) VerifyWebhook(body []byte, signature string) bool {
	args := m.Called(body, signature)
	return args.Bool(0)
}

func (m *MockProvider) ParseTransaction(body []byte) (*payment.TransactionResult, error) {
	args := m.Called(body)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.TransactionResult), args.Error(1)
}

// MockListingProvider additionally implements payment.TransactionLister.
type MockListingProvider struct {
	MockProvider
}

var _ payment.TransactionLister = (*MockListingProvider)(nil)

func (m *MockListingProvider) ListTransactions(ctx context.Context, query payment.TransactionQuery) ([][]byte, error) {
	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]byte), args.Error(1)
}
