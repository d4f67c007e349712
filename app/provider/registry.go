package provider

import (
	"fmt"
	"sort"
	"strings"
)

var knownKeys = map[string]struct{}{
	KeyVNPay:  {},
	KeyMoMo:   {},
	KeyPayPal: {},
	KeyStripe: {},
}

func IsKnownKey(key string) bool {
	_, ok := knownKeys[NormalizeKey(key)]
	return ok
}

func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

type Registry struct {
	gateways map[string]Gateway
}

// NewRegistry accepts gateways for the four known provider keys only.
func NewRegistry(gateways ...Gateway) (*Registry, error) {
	items := make(map[string]Gateway, len(gateways))
	for _, g := range gateways {
		key := NormalizeKey(g.Key())
		if !IsKnownKey(key) {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, g.Key())
		}
		items[key] = g
	}
	return &Registry{gateways: items}, nil
}

func (r *Registry) Get(key string) (Gateway, error) {
	key = NormalizeKey(key)
	if !IsKnownKey(key) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, key)
	}
	gateway, ok := r.gateways[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, key)
	}
	return gateway, nil
}

// Pollable lists the keys of registered gateways that implement StatusChecker.
func (r *Registry) Pollable() []string {
	keys := make([]string, 0, len(r.gateways))
	for key, gateway := range r.gateways {
		if _, ok := gateway.(StatusChecker); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
