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

// Package hwwallet adapts a hardware signing device (Ledger-class wallet or
// a generic external signer) to the provider contract. The device link is a
// DeviceTransport supplied by the caller; this package owns the discipline
// around it: every exchange is serialized through one worker because the
// devices process a single APDU conversation at a time, every call carries
// a bounded timeout, and after a timeout the adapter re-queries device
// status before it lets the next call through.
package hwwallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/custodia-tech/go-btchsm/pkg/hsmerr"
	"github.com/custodia-tech/go-btchsm/pkg/keystore"
	"github.com/custodia-tech/go-btchsm/pkg/logging"
	"github.com/custodia-tech/go-btchsm/pkg/provider"
	"github.com/custodia-tech/go-btchsm/pkg/types"
)

// Op names the device operations the adapter issues.
type Op string

const (
	OpGenerateKey Op = "generate-key"
	OpDeriveChild Op = "derive-child"
	OpSign        Op = "sign"
	OpDestroyKey  Op = "destroy-key"
)

// Request is one framed exchange with the device.
type Request struct {
	Op        Op
	Handle    string
	Path      string
	Index     uint32
	Algorithm types.KeyAlgorithm
	Digest    []byte
	Tweak     []byte
}

// Response carries the device's answer.
type Response struct {
	Handle    string
	PublicKey []byte
	Signature []byte
}

// DeviceTransport is the physical link to the signing device. Exchange
// must honor ctx cancellation at the transport level; the device itself
// may keep processing, which is why the adapter probes Status before the
// next call after a timeout.
type DeviceTransport interface {
	Exchange(ctx context.Context, req Request) (*Response, error)
	Status(ctx context.Context) (types.ProviderStatus, error)
	Close() error
}

// Config holds the adapter configuration.
type Config struct {
	// Transport is the device link. Required.
	Transport DeviceTransport

	// Store persists the public records for device-held keys. Required.
	Store keystore.Store

	// Timeout bounds each device exchange. Defaults to 30s: hardware
	// wallets wait on physical confirmation, so the bound is generous but
	// finite.
	Timeout time.Duration

	// Schnorr declares whether the connected device firmware supports
	// BIP340 signing. Devices without it get ErrUnsupportedKeyType for
	// Schnorr requests instead of a silent ECDSA downgrade.
	Schnorr bool

	// Logger is optional.
	Logger *logging.Logger
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("hwwallet: config is nil")
	}
	if c.Transport == nil {
		return fmt.Errorf("hwwallet: device transport is required")
	}
	if c.Store == nil {
		return fmt.Errorf("hwwallet: key store is required")
	}
	return nil
}

// job pairs a request with its reply channel.
type job struct {
	ctx   context.Context
	req   Request
	reply chan result
}

type result struct {
	resp *Response
	err  error
}

// Backend is the hardware-wallet provider.
type Backend struct {
	transport DeviceTransport
	store     keystore.Store
	timeout   time.Duration
	schnorr   bool
	logger    *logging.Logger

	jobs chan job
	quit chan struct{}
	wg   sync.WaitGroup

	mu         sync.Mutex
	needsProbe bool
	closed     bool
}

// NewBackend creates the adapter and starts its device worker.
func NewBackend(config *Config) (*Backend, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("hwwallet: invalid config: %w", err)
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	b := &Backend{
		transport: config.Transport,
		store:     config.Store,
		timeout:   timeout,
		schnorr:   config.Schnorr,
		logger:    logger,
		jobs:      make(chan job),
		quit:      make(chan struct{}),
	}
	b.wg.Add(1)
	go b.worker()
	return b, nil
}

// Type returns the backend type identifier.
func (b *Backend) Type() types.BackendType {
	return types.BackendHWWallet
}

// Status queries the device directly, bypassing the queue so a wedged
// operation cannot mask a disconnected device.
func (b *Backend) Status(ctx context.Context) (types.ProviderStatus, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return types.ProviderStatus{State: types.StateShuttingDown, Reason: "adapter closed"}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	status, err := b.transport.Status(ctx)
	if err != nil {
		return types.ProviderStatus{State: types.StateDisconnected, Reason: err.Error()}, nil
	}
	return status, nil
}

// Capabilities reflect the connected device firmware.
func (b *Backend) Capabilities() types.Capabilities {
	return types.Capabilities{
		Signing:        true,
		Secp256k1:      true,
		SchnorrBIP340:  b.schnorr,
		Derivation:     true,
		AdaptorSigning: false,
		HardwareBacked: true,
		MaxParallelOps: 1,
	}
}

// GenerateKey asks the device to create a key at path and records its
// public half. The private key never leaves the device; the record stores
// only the device-side handle.
func (b *Backend) GenerateKey(ctx context.Context, algo types.KeyAlgorithm, path string) (*types.KeyRecord, error) {
	if algo == types.AlgSchnorrBIP340 && !b.schnorr {
		return nil, fmt.Errorf("hwwallet: device firmware lacks BIP340: %w", hsmerr.ErrUnsupportedKeyType)
	}
	if algo != types.AlgSchnorrBIP340 && algo != types.AlgECDSASecp256k1 {
		return nil, fmt.Errorf("hwwallet: algorithm %s: %w", algo, hsmerr.ErrUnsupportedKeyType)
	}

	resp, err := b.exchange(ctx, Request{Op: OpGenerateKey, Path: path, Algorithm: algo})
	if err != nil {
		return nil, err
	}

	record := &types.KeyRecord{
		ID:        uuid.NewString(),
		Algorithm: algo,
		Path:      path,
		Backend:   types.BackendHWWallet,
		PublicKey: resp.PublicKey,
		Handle:    resp.Handle,
		CreatedAt: time.Now().UTC(),
	}
	if err := b.store.Put(record, nil); err != nil {
		return nil, err
	}
	return record, nil
}

// DeriveChild asks the device for the child key at index.
func (b *Backend) DeriveChild(ctx context.Context, keyID string, index uint32) (*types.KeyRecord, error) {
	parent, err := b.store.GetPublic(keyID)
	if err != nil {
		return nil, err
	}

	resp, err := b.exchange(ctx, Request{
		Op:        OpDeriveChild,
		Handle:    parent.Handle,
		Index:     index,
		Algorithm: parent.Algorithm,
	})
	if err != nil {
		return nil, err
	}

	record := &types.KeyRecord{
		ID:        uuid.NewString(),
		Algorithm: parent.Algorithm,
		Path:      childPath(parent.Path, index),
		Backend:   types.BackendHWWallet,
		PublicKey: resp.PublicKey,
		Handle:    resp.Handle,
		CreatedAt: time.Now().UTC(),
	}
	if err := b.store.Put(record, nil); err != nil {
		return nil, err
	}
	return record, nil
}

// Sign forwards the digest to the device.
func (b *Backend) Sign(ctx context.Context, req types.SigningRequest) ([]byte, error) {
	if req.AdaptorPoint != nil {
		return nil, fmt.Errorf("hwwallet: adaptor signing is not device-supported: %w",
			hsmerr.ErrUnsupportedKeyType)
	}
	record, err := b.store.GetPublic(req.KeyID)
	if err != nil {
		return nil, err
	}
	if record.Retired {
		return nil, fmt.Errorf("hwwallet: key %s is retired: %w", req.KeyID, hsmerr.ErrOperationDenied)
	}
	if req.Algorithm != record.Algorithm {
		return nil, fmt.Errorf("hwwallet: key %s holds %s, request wants %s: %w",
			req.KeyID, record.Algorithm, req.Algorithm, hsmerr.ErrUnsupportedKeyType)
	}

	devReq := Request{
		Op:        OpSign,
		Handle:    record.Handle,
		Algorithm: req.Algorithm,
		Digest:    req.Digest,
	}
	if req.Tweak != nil {
		devReq.Tweak = req.Tweak.MerkleRoot
		if devReq.Tweak == nil {
			devReq.Tweak = []byte{}
		}
	}
	resp, err := b.exchange(ctx, devReq)
	if err != nil {
		return nil, err
	}
	return resp.Signature, nil
}

// Verify runs in-process over public data; no device round-trip.
func (b *Backend) Verify(pubKey, digest, sig []byte, algo types.KeyAlgorithm) (bool, error) {
	return verifyPublic(pubKey, digest, sig, algo)
}

// DestroyKey removes the device-side key, then the record.
func (b *Backend) DestroyKey(ctx context.Context, keyID string) error {
	record, err := b.store.GetPublic(keyID)
	if err != nil {
		return err
	}
	if _, err := b.exchange(ctx, Request{Op: OpDestroyKey, Handle: record.Handle}); err != nil {
		return err
	}
	return b.store.Destroy(keyID)
}

// Close stops the worker and releases the transport.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.quit)
	b.wg.Wait()
	return b.transport.Close()
}

// exchange funnels one request through the worker queue with the bounded
// timeout applied.
func (b *Backend) exchange(ctx context.Context, req Request) (*Response, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("hwwallet: adapter closed: %w", hsmerr.ErrBackendUnavailable)
	}
	b.mu.Unlock()

	j := job{ctx: ctx, req: req, reply: make(chan result, 1)}
	select {
	case b.jobs <- j:
	case <-ctx.Done():
		return nil, fmt.Errorf("hwwallet: %s: %w", req.Op, hsmerr.ErrBackendTimeout)
	case <-b.quit:
		return nil, fmt.Errorf("hwwallet: adapter closed: %w", hsmerr.ErrBackendUnavailable)
	}

	select {
	case res := <-j.reply:
		return res.resp, res.err
	case <-ctx.Done():
		// The worker still owns the exchange; mark the device suspect so
		// the next call re-probes before talking to it.
		b.mu.Lock()
		b.needsProbe = true
		b.mu.Unlock()
		return nil, fmt.Errorf("hwwallet: %s: %w", req.Op, hsmerr.ErrBackendTimeout)
	}
}

// worker serializes all device exchanges.
func (b *Backend) worker() {
	defer b.wg.Done()
	for {
		select {
		case j := <-b.jobs:
			j.reply <- b.run(j)
		case <-b.quit:
			return
		}
	}
}

// run executes one exchange, probing device status first when the previous
// call timed out.
func (b *Backend) run(j job) result {
	b.mu.Lock()
	probe := b.needsProbe
	b.mu.Unlock()

	if probe {
		probeCtx, cancel := context.WithTimeout(context.Background(), b.timeout)
		status, err := b.transport.Status(probeCtx)
		cancel()
		if err != nil || !status.Ready() {
			reason := "device not ready after timeout"
			if err != nil {
				reason = err.Error()
			}
			return result{err: fmt.Errorf("hwwallet: %s: %w", reason, hsmerr.ErrBackendUnavailable)}
		}
		b.mu.Lock()
		b.needsProbe = false
		b.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(j.ctx, b.timeout)
	defer cancel()
	resp, err := b.transport.Exchange(ctx, j.req)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			b.mu.Lock()
			b.needsProbe = true
			b.mu.Unlock()
			err = fmt.Errorf("hwwallet: %s: %w", j.req.Op, hsmerr.ErrBackendTimeout)
		case errors.Is(err, hsmerr.ErrOperationDenied),
			errors.Is(err, hsmerr.ErrKeyNotFound),
			errors.Is(err, hsmerr.ErrUnsupportedKeyType):
			// Typed device refusals pass through unchanged.
		default:
			err = fmt.Errorf("hwwallet: %s: %v: %w", j.req.Op, err, hsmerr.ErrBackendUnavailable)
		}
		return result{err: err}
	}
	return result{resp: resp}
}

// childPath mirrors bitcoin.FormatChildPath without importing the key
// layer: the adapter only ever appends unhardened indices below the
// account level.
func childPath(parent string, index uint32) string {
	if parent == "" {
		return fmt.Sprintf("m/%d", index)
	}
	return fmt.Sprintf("%s/%d", parent, index)
}

var _ provider.Provider = (*Backend)(nil)
