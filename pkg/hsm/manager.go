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

// Package hsm holds the manager that fronts every key operation. The
// manager starts disabled and stays that way until an operator calls
// Enable; while disabled, every operation is refused before any provider
// code runs, and the refusal itself is audited. This is the control plane
// the rest of the module builds on: the key layer, the PSBT signer, and
// the DLC engine all hold a manager, never a provider.
package hsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/custodia-tech/go-btchsm/pkg/audit"
	"github.com/custodia-tech/go-btchsm/pkg/bitcoin"
	"github.com/custodia-tech/go-btchsm/pkg/hsmerr"
	"github.com/custodia-tech/go-btchsm/pkg/keystore"
	"github.com/custodia-tech/go-btchsm/pkg/logging"
	"github.com/custodia-tech/go-btchsm/pkg/metrics"
	"github.com/custodia-tech/go-btchsm/pkg/provider"
	"github.com/custodia-tech/go-btchsm/pkg/types"
)

// State is the manager lifecycle state.
type State string

const (
	// StateDisabled is the initial and post-Disable state. All key
	// operations are refused.
	StateDisabled State = "disabled"

	// StateReady means an activated provider is serving operations.
	StateReady State = "ready"

	// StateError means a provider became unavailable mid-flight. The
	// manager refuses operations until Reinitialize then Enable.
	StateError State = "error"
)

// Manager gates all key operations behind explicit activation.
type Manager struct {
	store   keystore.Store
	auditor *audit.Logger
	meter   *metrics.Metrics
	logger  *logging.Logger

	requested provider.Provider
	software  provider.Provider
	force     bool

	mu     sync.RWMutex
	state  State
	active provider.Provider
}

// NewManager builds a manager in the disabled state. No provider is
// touched until Enable.
func NewManager(config *Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("hsm: invalid config: %w", err)
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Manager{
		store:     config.Store,
		auditor:   config.Audit,
		meter:     config.Metrics,
		logger:    logger,
		requested: config.Provider,
		software:  config.Software,
		force:     config.ForceSoftware,
		state:     StateDisabled,
	}, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Enabled reports whether operations are being served.
func (m *Manager) Enabled() bool {
	return m.State() == StateReady
}

// Backend returns the active backend type, or the requested one while
// disabled.
func (m *Manager) Backend() types.BackendType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active != nil {
		return m.active.Type()
	}
	return m.requested.Type()
}

// Enable activates the manager. The requested provider must report Ready;
// if it does not and ForceSoftware is configured, the software fallback is
// substituted and the substitution audited as a warning. Enable is
// idempotent while Ready. From the error state it refuses until
// Reinitialize.
func (m *Manager) Enable(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateReady:
		m.mu.Unlock()
		return nil
	case StateError:
		m.mu.Unlock()
		m.auditor.Append("enable", "", audit.OutcomeFailure, audit.SeverityError,
			"manager in error state, reinitialize first")
		return fmt.Errorf("hsm: manager in error state: %w", hsmerr.ErrActivation)
	}
	m.mu.Unlock()

	// Status probes run outside the lock; they may block on hardware.
	candidate := m.requested
	status, err := candidate.Status(ctx)
	if err != nil || !status.Ready() {
		reason := status.Reason
		if err != nil {
			reason = err.Error()
		}
		if !m.force {
			m.auditor.Append("enable", "", audit.OutcomeFailure, audit.SeverityError,
				fmt.Sprintf("backend %s not ready: %s", candidate.Type(), reason))
			return fmt.Errorf("hsm: backend %s not ready: %s: %w",
				candidate.Type(), reason, hsmerr.ErrActivation)
		}

		swStatus, swErr := m.software.Status(ctx)
		if swErr != nil || !swStatus.Ready() {
			m.auditor.Append("enable", "", audit.OutcomeFailure, audit.SeverityError,
				fmt.Sprintf("backend %s and software fallback both unavailable", candidate.Type()))
			return fmt.Errorf("hsm: no healthy backend: %w", hsmerr.ErrActivation)
		}
		m.auditor.Append("enable", "", audit.OutcomeSuccess, audit.SeverityWarning,
			fmt.Sprintf("backend %s not ready (%s), substituted software fallback",
				candidate.Type(), reason))
		m.logger.Warnf("hsm: backend %s not ready, running on software fallback", candidate.Type())
		candidate = m.software
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// The state may have moved while the probe ran unlocked. Only the
	// disabled state may transition to ready here: a concurrent Enable
	// already won, and an error state must go through Reinitialize.
	switch m.state {
	case StateReady:
		return nil
	case StateError:
		m.auditor.Append("enable", "", audit.OutcomeFailure, audit.SeverityError,
			"manager entered error state during activation, reinitialize first")
		return fmt.Errorf("hsm: manager in error state: %w", hsmerr.ErrActivation)
	}
	m.active = candidate
	m.state = StateReady
	if candidate == m.requested {
		m.auditor.Append("enable", "", audit.OutcomeSuccess, audit.SeverityInfo,
			fmt.Sprintf("backend %s activated", candidate.Type()))
	}
	m.logger.Infof("hsm: enabled on backend %s", candidate.Type())
	return nil
}

// Disable deactivates the manager. Always succeeds and is idempotent;
// in-flight operations drain against the provider they captured.
func (m *Manager) Disable(ctx context.Context) error {
	m.mu.Lock()
	was := m.state
	m.state = StateDisabled
	m.active = nil
	m.mu.Unlock()

	if was != StateDisabled {
		m.auditor.Append("disable", "", audit.OutcomeSuccess, audit.SeverityInfo, "manager disabled")
		m.logger.Info("hsm: disabled")
	}
	return nil
}

// Reinitialize clears the error state back to disabled so the manager can
// be enabled again. No-op outside the error state.
func (m *Manager) Reinitialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateError {
		return nil
	}
	m.state = StateDisabled
	m.active = nil
	m.auditor.Append("reinitialize", "", audit.OutcomeSuccess, audit.SeverityInfo,
		"error state cleared")
	return nil
}

// Status reports the active provider's health, or a disabled status.
func (m *Manager) Status(ctx context.Context) (types.ProviderStatus, error) {
	m.mu.RLock()
	state := m.state
	active := m.active
	m.mu.RUnlock()

	switch state {
	case StateReady:
		return active.Status(ctx)
	case StateError:
		return types.ProviderStatus{State: types.StateError, Reason: "manager in error state"}, nil
	default:
		return types.ProviderStatus{State: types.StateDisabled, Reason: "manager disabled"}, nil
	}
}

// Capabilities reports the active provider's capabilities; zero while not
// ready.
func (m *Manager) Capabilities() types.Capabilities {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateReady {
		return types.Capabilities{}
	}
	return m.active.Capabilities()
}

// GenerateKey creates a key on the active backend.
func (m *Manager) GenerateKey(ctx context.Context, algo types.KeyAlgorithm, path string) (*types.KeyRecord, error) {
	p, err := m.gate("generate-key", "")
	if err != nil {
		return nil, err
	}
	start := time.Now()
	record, err := p.GenerateKey(ctx, algo, path)
	keyID := ""
	if record != nil {
		keyID = record.ID
	}
	m.finish(ctx, "generate-key", keyID, p, start, err)
	return record, err
}

// DeriveChild derives a child key on the active backend.
func (m *Manager) DeriveChild(ctx context.Context, keyID string, index uint32) (*types.KeyRecord, error) {
	p, err := m.gate("derive-child", keyID)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	record, err := p.DeriveChild(ctx, keyID, index)
	m.finish(ctx, "derive-child", keyID, p, start, err)
	return record, err
}

// Sign signs a digest with a managed key.
func (m *Manager) Sign(ctx context.Context, req types.SigningRequest) ([]byte, error) {
	p, err := m.gate("sign", req.KeyID)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	sig, err := p.Sign(ctx, req)
	m.finish(ctx, "sign", req.KeyID, p, start, err)
	return sig, err
}

// Verify checks a signature. When pubKey is empty the managed key's public
// record supplies it. Verification touches only public material but still
// passes the activation gate: a disabled module performs no operations at
// all.
func (m *Manager) Verify(ctx context.Context, keyID string, pubKey, digest, sig []byte, algo types.KeyAlgorithm) (bool, error) {
	p, err := m.gate("verify", keyID)
	if err != nil {
		return false, err
	}
	if len(pubKey) == 0 {
		record, err := m.store.GetPublic(keyID)
		if err != nil {
			m.finish(ctx, "verify", keyID, p, time.Now(), err)
			return false, err
		}
		pubKey = record.PublicKey
	}
	start := time.Now()
	ok, err := p.Verify(pubKey, digest, sig, algo)
	m.finish(ctx, "verify", keyID, p, start, err)
	return ok, err
}

// GetPublic returns the public record for a managed key.
func (m *Manager) GetPublic(keyID string) (*types.KeyRecord, error) {
	if _, err := m.gate("get-public", keyID); err != nil {
		return nil, err
	}
	record, err := m.store.GetPublic(keyID)
	m.audit("get-public", keyID, err)
	return record, err
}

// ListKeys returns all key records.
func (m *Manager) ListKeys() ([]*types.KeyRecord, error) {
	if _, err := m.gate("list-keys", ""); err != nil {
		return nil, err
	}
	records, err := m.store.List()
	m.audit("list-keys", "", err)
	return records, err
}

// RetireKey marks a key unusable for signing while keeping its record for
// verification and audit history.
func (m *Manager) RetireKey(ctx context.Context, keyID string) error {
	if _, err := m.gate("retire-key", keyID); err != nil {
		return err
	}
	err := m.store.Retire(keyID)
	m.audit("retire-key", keyID, err)
	return err
}

// DestroyKey removes the key material from the backend and the record
// from the store. Irreversible.
func (m *Manager) DestroyKey(ctx context.Context, keyID string) error {
	p, err := m.gate("destroy-key", keyID)
	if err != nil {
		return err
	}
	start := time.Now()
	err = p.DestroyKey(ctx, keyID)
	m.finish(ctx, "destroy-key", keyID, p, start, err)
	return err
}

// Close disables the manager and closes both providers.
func (m *Manager) Close() error {
	_ = m.Disable(context.Background())
	err := m.requested.Close()
	if m.software != nil && m.software != m.requested {
		if swErr := m.software.Close(); err == nil {
			err = swErr
		}
	}
	return err
}

// gate is the disabled-by-default check in front of every operation. The
// provider is captured under the read lock so a concurrent Disable cannot
// nil it mid-call; refusals are audited with no provider involvement.
func (m *Manager) gate(operation, keyID string) (provider.Provider, error) {
	m.mu.RLock()
	state := m.state
	active := m.active
	m.mu.RUnlock()

	if state != StateReady {
		m.auditor.Append(operation, keyID, audit.OutcomeDenied, audit.SeverityWarning,
			fmt.Sprintf("refused: manager %s", state))
		return nil, fmt.Errorf("hsm: %s refused, manager %s: %w", operation, state, hsmerr.ErrDisabled)
	}
	return active, nil
}

// finish records audit and metrics for a completed provider operation and
// trips the error state when the backend reports itself unavailable.
func (m *Manager) finish(ctx context.Context, operation, keyID string, p provider.Provider, start time.Time, err error) {
	duration := time.Since(start)
	backend := string(p.Type())

	if err == nil {
		m.auditor.Append(operation, keyID, audit.OutcomeSuccess, audit.SeverityInfo, "")
		m.meter.RecordOperation(operation, backend, "success", duration)
		return
	}

	kind := hsmerr.Kind(err)
	severity := audit.SeverityWarning
	if errors.Is(err, hsmerr.ErrBackendUnavailable) {
		severity = audit.SeverityError
	}
	m.auditor.Append(operation, keyID, audit.OutcomeFailure, severity, kind+": "+err.Error())
	m.meter.RecordOperation(operation, backend, kind, duration)

	if errors.Is(err, hsmerr.ErrBackendUnavailable) {
		m.mu.Lock()
		if m.state == StateReady && m.active == p {
			m.state = StateError
			m.active = nil
			m.logger.Errorf("hsm: backend %s unavailable, manager entering error state", backend)
		}
		m.mu.Unlock()
	}
}

// audit records a store-only operation that involves no provider call.
func (m *Manager) audit(operation, keyID string, err error) {
	if err == nil {
		m.auditor.Append(operation, keyID, audit.OutcomeSuccess, audit.SeverityInfo, "")
		return
	}
	m.auditor.Append(operation, keyID, audit.OutcomeFailure, audit.SeverityWarning,
		hsmerr.Kind(err)+": "+err.Error())
}

var _ bitcoin.Signer = (*Manager)(nil)
