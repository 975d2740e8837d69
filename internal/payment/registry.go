package payment

import (
	"fmt"
	"sort"
	"sync"

	"github.com/safar/go-shop-payments/internal/models"
)

// Registry maps payment methods to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[models.PaymentMethod]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[models.PaymentMethod]Provider)}
}

// Register adds or replaces the provider for method.
func (r *Registry) Register(method models.PaymentMethod, provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[method] = provider
}

func (r *Registry) Get(method models.PaymentMethod) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, ok := r.providers[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotSupported, method)
	}
	return provider, nil
}

func (r *Registry) List() []models.PaymentMethod {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods := make([]models.PaymentMethod, 0, len(r.providers))
	for method := range r.providers {
		methods = append(methods, method)
	}
	sort.Slice(methods, func(i, j int) bool { return methods[i] < methods[j] })
	return methods
}
