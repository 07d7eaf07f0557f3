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

package pkcs11

import (
	"errors"
	"fmt"

	"github.com/miekg/pkcs11"
)

// ErrTokenNotFound means the module reported no usable slots.
var ErrTokenNotFound = errors.New("pkcs11: no token present")

// ErrAlreadyInitialized means another caller in this process already
// initialized the Cryptoki library.
var ErrAlreadyInitialized = errors.New("pkcs11: library already initialized")

// InitToken prepares a fresh token for use with NewBackend: it initializes
// the token with the SO PIN, then sets the user PIN. Safe to call against
// an already-initialized token; that case returns nil without touching the
// PINs. Uses the raw Cryptoki API because crypto11 requires a token that
// already has a user PIN.
func InitToken(modulePath, tokenLabel, soPIN, userPIN string, slot *int) error {
	p := pkcs11.New(modulePath)
	if p == nil {
		return fmt.Errorf("pkcs11: cannot load module %s", modulePath)
	}
	defer p.Destroy()

	if err := p.Initialize(); err != nil {
		if errors.Is(err, pkcs11.Error(pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED)) {
			return ErrAlreadyInitialized
		}
		return fmt.Errorf("pkcs11: initialize: %w", err)
	}
	defer func() { _ = p.Finalize() }()

	slots, err := p.GetSlotList(true)
	if err != nil {
		return fmt.Errorf("pkcs11: slot list: %w", err)
	}
	if len(slots) == 0 {
		return ErrTokenNotFound
	}
	target := slots[0]
	if slot != nil {
		target = uint(*slot)
	}

	info, err := p.GetTokenInfo(target)
	if err != nil {
		return fmt.Errorf("pkcs11: token info: %w", err)
	}
	if info.Flags&pkcs11.CKF_TOKEN_INITIALIZED != 0 {
		return nil
	}

	if err := p.InitToken(target, soPIN, tokenLabel); err != nil {
		return fmt.Errorf("pkcs11: init token: %w", err)
	}

	session, err := p.OpenSession(target, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return fmt.Errorf("pkcs11: open session: %w", err)
	}
	defer func() { _ = p.CloseSession(session) }()

	if err := p.Login(session, pkcs11.CKU_SO, soPIN); err != nil {
		return fmt.Errorf("pkcs11: SO login: %w", err)
	}
	defer func() { _ = p.Logout(session) }()

	if err := p.InitPIN(session, userPIN); err != nil {
		return fmt.Errorf("pkcs11: init user PIN: %w", err)
	}
	return nil
}
