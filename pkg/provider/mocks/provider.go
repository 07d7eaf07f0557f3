// Copyright (c) 2026 Custodia Technologies
//
// This file is part of go-btchsm.
//
// go-btchsm is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@custodia-tech.io for commercial licensing options.

// Package mocks provides a configurable mock provider with call tracking
// for testing components that sit above the provider contract.
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/custodia-tech/go-btchsm/pkg/provider"
	"github.com/custodia-tech/go-btchsm/pkg/types"
)

// MockProvider implements provider.Provider with configurable behavior and
// per-method call counting.
type MockProvider struct {
	mu sync.Mutex

	// BackendType is returned by Type. Defaults to BackendSoftware.
	BackendType types.BackendType

	// StatusValue is returned by Status unless StatusFunc is set.
	StatusValue types.ProviderStatus

	// CapabilitiesValue is returned by Capabilities.
	CapabilitiesValue types.Capabilities

	// Configurable behavior. Nil funcs fall back to simple defaults.
	StatusFunc      func(ctx context.Context) (types.ProviderStatus, error)
	GenerateKeyFunc func(ctx context.Context, algo types.KeyAlgorithm, path string) (*types.KeyRecord, error)
	DeriveChildFunc func(ctx context.Context, keyID string, index uint32) (*types.KeyRecord, error)
	SignFunc        func(ctx context.Context, req types.SigningRequest) ([]byte, error)
	VerifyFunc      func(pubKey, digest, sig []byte, algo types.KeyAlgorithm) (bool, error)
	DestroyKeyFunc  func(ctx context.Context, keyID string) error

	// Call counters.
	StatusCalls      int
	GenerateKeyCalls int
	DeriveChildCalls int
	SignCalls        int
	VerifyCalls      int
	DestroyKeyCalls  int
	CloseCalls       int
}

// NewMockProvider returns a mock that reports Ready status and full
// software capabilities.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		BackendType: types.BackendSoftware,
		StatusValue: types.ProviderStatus{State: types.StateReady},
		CapabilitiesValue: types.Capabilities{
			Signing:        true,
			Secp256k1:      true,
			SchnorrBIP340:  true,
			Derivation:     true,
			AdaptorSigning: true,
		},
	}
}

func (m *MockProvider) Type() types.BackendType {
	return m.BackendType
}

func (m *MockProvider) Status(ctx context.Context) (types.ProviderStatus, error) {
	m.mu.Lock()
	m.StatusCalls++
	fn := m.StatusFunc
	val := m.StatusValue
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return val, nil
}

func (m *MockProvider) Capabilities() types.Capabilities {
	return m.CapabilitiesValue
}

func (m *MockProvider) GenerateKey(ctx context.Context, algo types.KeyAlgorithm, path string) (*types.KeyRecord, error) {
	m.mu.Lock()
	m.GenerateKeyCalls++
	fn := m.GenerateKeyFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, algo, path)
	}
	return &types.KeyRecord{
		ID:        uuid.NewString(),
		Algorithm: algo,
		Path:      path,
		Backend:   m.BackendType,
		PublicKey: make([]byte, 33),
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (m *MockProvider) DeriveChild(ctx context.Context, keyID string, index uint32) (*types.KeyRecord, error) {
	m.mu.Lock()
	m.DeriveChildCalls++
	fn := m.DeriveChildFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, keyID, index)
	}
	return &types.KeyRecord{
		ID:        uuid.NewString(),
		Backend:   m.BackendType,
		PublicKey: make([]byte, 33),
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (m *MockProvider) Sign(ctx context.Context, req types.SigningRequest) ([]byte, error) {
	m.mu.Lock()
	m.SignCalls++
	fn := m.SignFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return make([]byte, 64), nil
}

func (m *MockProvider) Verify(pubKey, digest, sig []byte, algo types.KeyAlgorithm) (bool, error) {
	m.mu.Lock()
	m.VerifyCalls++
	fn := m.VerifyFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(pubKey, digest, sig, algo)
	}
	return true, nil
}

func (m *MockProvider) DestroyKey(ctx context.Context, keyID string) error {
	m.mu.Lock()
	m.DestroyKeyCalls++
	fn := m.DestroyKeyFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, keyID)
	}
	return nil
}

func (m *MockProvider) Close() error {
	m.mu.Lock()
	m.CloseCalls++
	m.mu.Unlock()
	return nil
}

// Calls returns a snapshot of every counter as a map keyed by method name.
func (m *MockProvider) Calls() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{
		"Status":      m.StatusCalls,
		"GenerateKey": m.GenerateKeyCalls,
		"DeriveChild": m.DeriveChildCalls,
		"Sign":        m.SignCalls,
		"Verify":      m.VerifyCalls,
		"DestroyKey":  m.DestroyKeyCalls,
		"Close":       m.CloseCalls,
	}
}

// TotalOperationCalls sums the key-operation counters, excluding Status
// and Close. Gate tests assert this stays zero while disabled.
func (m *MockProvider) TotalOperationCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.GenerateKeyCalls + m.DeriveChildCalls + m.SignCalls + m.VerifyCalls + m.DestroyKeyCalls
}

var _ provider.Provider = (*MockProvider)(nil)
