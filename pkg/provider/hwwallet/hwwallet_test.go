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

package hwwallet

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-tech/go-btchsm/pkg/hsmerr"
	"github.com/custodia-tech/go-btchsm/pkg/keystore"
	"github.com/custodia-tech/go-btchsm/pkg/types"
)

// fakeTransport is a scriptable in-memory device.
type fakeTransport struct {
	mu            sync.Mutex
	exchangeFunc  func(ctx context.Context, req Request) (*Response, error)
	statusFunc    func(ctx context.Context) (types.ProviderStatus, error)
	exchangeCalls int
	statusCalls   int
	closeCalls    int
}

func (f *fakeTransport) Exchange(ctx context.Context, req Request) (*Response, error) {
	f.mu.Lock()
	f.exchangeCalls++
	fn := f.exchangeFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return &Response{
		Handle:    "dev-" + string(req.Op),
		PublicKey: []byte{0x02, 0x01},
		Signature: []byte{0x30, 0x00},
	}, nil
}

func (f *fakeTransport) Status(ctx context.Context) (types.ProviderStatus, error) {
	f.mu.Lock()
	f.statusCalls++
	fn := f.statusFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return types.ProviderStatus{State: types.StateReady}, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

func (f *fakeTransport) counts() (exchanges, statuses int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exchangeCalls, f.statusCalls
}

func newTestBackend(t *testing.T, mutate func(*fakeTransport, *Config)) (*Backend, *fakeTransport) {
	t.Helper()
	transport := &fakeTransport{}
	config := &Config{
		Transport: transport,
		Store:     keystore.NewMemoryStore(),
		Timeout:   200 * time.Millisecond,
		Schnorr:   true,
	}
	if mutate != nil {
		mutate(transport, config)
	}
	backend, err := NewBackend(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return backend, transport
}

func TestConfigValidate(t *testing.T) {
	var nilConfig *Config
	assert.Error(t, nilConfig.Validate())
	assert.Error(t, (&Config{Store: keystore.NewMemoryStore()}).Validate())
	assert.Error(t, (&Config{Transport: &fakeTransport{}}).Validate())
	assert.NoError(t, (&Config{Transport: &fakeTransport{}, Store: keystore.NewMemoryStore()}).Validate())
}

func TestGenerateSignDestroy(t *testing.T) {
	backend, _ := newTestBackend(t, nil)
	ctx := context.Background()

	record, err := backend.GenerateKey(ctx, types.AlgSchnorrBIP340, "m/86'/0'/0'")
	require.NoError(t, err)
	assert.Equal(t, "dev-generate-key", record.Handle)
	assert.Equal(t, types.BackendHWWallet, record.Backend)
	assert.NotEmpty(t, record.PublicKey)

	sig, err := backend.Sign(ctx, types.SigningRequest{
		KeyID:     record.ID,
		Digest:    make([]byte, 32),
		Algorithm: types.AlgSchnorrBIP340,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sig)

	require.NoError(t, backend.DestroyKey(ctx, record.ID))
	_, err = backend.Sign(ctx, types.SigningRequest{
		KeyID:     record.ID,
		Digest:    make([]byte, 32),
		Algorithm: types.AlgSchnorrBIP340,
	})
	assert.ErrorIs(t, err, hsmerr.ErrKeyNotFound)
}

func TestDeriveChildExtendsPath(t *testing.T) {
	backend, _ := newTestBackend(t, nil)
	ctx := context.Background()

	parent, err := backend.GenerateKey(ctx, types.AlgECDSASecp256k1, "m/84'/0'/0'")
	require.NoError(t, err)

	child, err := backend.DeriveChild(ctx, parent.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, "m/84'/0'/0'/7", child.Path)
	assert.Equal(t, parent.Algorithm, child.Algorithm)
	assert.NotEqual(t, parent.ID, child.ID)
}

func TestSchnorrRequiresFirmwareSupport(t *testing.T) {
	backend, _ := newTestBackend(t, func(_ *fakeTransport, c *Config) {
		c.Schnorr = false
	})

	_, err := backend.GenerateKey(context.Background(), types.AlgSchnorrBIP340, "m/86'/0'/0'")
	assert.ErrorIs(t, err, hsmerr.ErrUnsupportedKeyType)
	assert.False(t, backend.Capabilities().SchnorrBIP340)
}

func TestAdaptorSigningRejected(t *testing.T) {
	backend, _ := newTestBackend(t, nil)
	ctx := context.Background()

	record, err := backend.GenerateKey(ctx, types.AlgSchnorrBIP340, "m/86'/0'/0'")
	require.NoError(t, err)

	_, err = backend.Sign(ctx, types.SigningRequest{
		KeyID:        record.ID,
		Digest:       make([]byte, 32),
		Algorithm:    types.AlgSchnorrBIP340,
		AdaptorPoint: make([]byte, 33),
	})
	assert.ErrorIs(t, err, hsmerr.ErrUnsupportedKeyType)
}

func TestExchangesSerialize(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0

	backend, _ := newTestBackend(t, func(f *fakeTransport, c *Config) {
		c.Timeout = 2 * time.Second
		f.exchangeFunc = func(ctx context.Context, req Request) (*Response, error) {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
			return &Response{Handle: "h", PublicKey: []byte{2}}, nil
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := backend.GenerateKey(context.Background(),
				types.AlgECDSASecp256k1, fmt.Sprintf("m/84'/0'/%d'", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, maxInFlight, "device conversations must not overlap")
}

func TestTimeoutThenReprobe(t *testing.T) {
	release := make(chan struct{})
	backend, transport := newTestBackend(t, func(f *fakeTransport, c *Config) {
		c.Timeout = 50 * time.Millisecond
		f.exchangeFunc = func(ctx context.Context, req Request) (*Response, error) {
			select {
			case <-release:
				return &Response{Handle: "h", PublicKey: []byte{2}}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	})

	_, err := backend.GenerateKey(context.Background(), types.AlgECDSASecp256k1, "m/84'/0'/0'")
	assert.ErrorIs(t, err, hsmerr.ErrBackendTimeout)

	// Let subsequent exchanges complete immediately.
	close(release)

	_, statusesBefore := transport.counts()
	_, err = backend.GenerateKey(context.Background(), types.AlgECDSASecp256k1, "m/84'/0'/1'")
	require.NoError(t, err)
	_, statusesAfter := transport.counts()
	assert.Greater(t, statusesAfter, statusesBefore, "device must be re-probed after a timeout")
}

func TestReprobeFailureIsUnavailable(t *testing.T) {
	backend, _ := newTestBackend(t, func(f *fakeTransport, c *Config) {
		c.Timeout = 50 * time.Millisecond
		f.exchangeFunc = func(ctx context.Context, req Request) (*Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		f.statusFunc = func(ctx context.Context) (types.ProviderStatus, error) {
			return types.ProviderStatus{State: types.StateDisconnected}, nil
		}
	})

	_, err := backend.GenerateKey(context.Background(), types.AlgECDSASecp256k1, "m/84'/0'/0'")
	assert.ErrorIs(t, err, hsmerr.ErrBackendTimeout)

	_, err = backend.GenerateKey(context.Background(), types.AlgECDSASecp256k1, "m/84'/0'/1'")
	assert.ErrorIs(t, err, hsmerr.ErrBackendUnavailable)
}

func TestDeviceRefusalsPassThrough(t *testing.T) {
	denied := fmt.Errorf("user rejected on device: %w", hsmerr.ErrOperationDenied)
	backend, _ := newTestBackend(t, func(f *fakeTransport, c *Config) {
		f.exchangeFunc = func(ctx context.Context, req Request) (*Response, error) {
			if req.Op == OpSign {
				return nil, denied
			}
			return &Response{Handle: "h", PublicKey: []byte{2}}, nil
		}
	})
	ctx := context.Background()

	record, err := backend.GenerateKey(ctx, types.AlgECDSASecp256k1, "m/84'/0'/0'")
	require.NoError(t, err)

	_, err = backend.Sign(ctx, types.SigningRequest{
		KeyID:     record.ID,
		Digest:    make([]byte, 32),
		Algorithm: types.AlgECDSASecp256k1,
	})
	assert.ErrorIs(t, err, hsmerr.ErrOperationDenied)
	assert.NotErrorIs(t, err, hsmerr.ErrBackendUnavailable)
}

func TestTransportErrorsWrapUnavailable(t *testing.T) {
	backend, _ := newTestBackend(t, func(f *fakeTransport, c *Config) {
		f.exchangeFunc = func(ctx context.Context, req Request) (*Response, error) {
			return nil, fmt.Errorf("usb: device unplugged")
		}
	})

	_, err := backend.GenerateKey(context.Background(), types.AlgECDSASecp256k1, "m/84'/0'/0'")
	assert.ErrorIs(t, err, hsmerr.ErrBackendUnavailable)
}

func TestStatusBypassesQueue(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	backend, _ := newTestBackend(t, func(f *fakeTransport, c *Config) {
		c.Timeout = 2 * time.Second
		f.exchangeFunc = func(ctx context.Context, req Request) (*Response, error) {
			close(started)
			<-release
			return &Response{Handle: "h", PublicKey: []byte{2}}, nil
		}
	})
	defer close(release)

	go func() {
		_, _ = backend.GenerateKey(context.Background(), types.AlgECDSASecp256k1, "m/84'/0'/0'")
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	status, err := backend.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Ready())
}

func TestCloseStopsAdapter(t *testing.T) {
	backend, transport := newTestBackend(t, nil)

	require.NoError(t, backend.Close())
	require.NoError(t, backend.Close())
	assert.Equal(t, 1, transport.closeCalls)

	_, err := backend.GenerateKey(context.Background(), types.AlgECDSASecp256k1, "m/84'/0'/0'")
	assert.ErrorIs(t, err, hsmerr.ErrBackendUnavailable)

	status, err := backend.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Ready())
}
