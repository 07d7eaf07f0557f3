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

package bitcoin

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"

	"github.com/custodia-tech/go-btchsm/pkg/hsmerr"
)

// BIP43 purpose values, hardened.
const (
	PurposeLegacy     = 44
	PurposeP2SHSegWit = 49
	PurposeSegWit     = 84
	PurposeTaproot    = 86
)

// ParsePath parses a BIP32 derivation path of the form m/86'/0'/0'/0/0.
// The leading "m/" is optional; both ' and h mark hardened components.
// Returned indices already carry the hardened offset.
func ParsePath(path string) ([]uint32, error) {
	trimmed := strings.TrimSpace(path)
	trimmed = strings.TrimPrefix(trimmed, "m/")
	trimmed = strings.TrimPrefix(trimmed, "M/")
	if trimmed == "" || trimmed == "m" || trimmed == "M" {
		return nil, fmt.Errorf("bitcoin: empty path %q: %w", path, hsmerr.ErrInvalidDerivationPath)
	}

	parts := strings.Split(trimmed, "/")
	indices := make([]uint32, 0, len(parts))
	for _, part := range parts {
		hardened := false
		if strings.HasSuffix(part, "'") || strings.HasSuffix(part, "h") || strings.HasSuffix(part, "H") {
			hardened = true
			part = part[:len(part)-1]
		}
		idx, err := strconv.ParseUint(part, 10, 32)
		if err != nil || idx >= hdkeychain.HardenedKeyStart {
			return nil, fmt.Errorf("bitcoin: component %q in %q: %w", part, path, hsmerr.ErrInvalidDerivationPath)
		}
		if hardened {
			idx += hdkeychain.HardenedKeyStart
		}
		indices = append(indices, uint32(idx))
	}
	return indices, nil
}

// FormatChildPath appends one child index to a parent path string, keeping
// the ' marker for hardened components.
func FormatChildPath(parent string, index uint32) string {
	var component string
	if index >= hdkeychain.HardenedKeyStart {
		component = fmt.Sprintf("%d'", index-hdkeychain.HardenedKeyStart)
	} else {
		component = strconv.FormatUint(uint64(index), 10)
	}
	if parent == "" {
		return "m/" + component
	}
	return parent + "/" + component
}

// Purpose extracts the unhardened purpose of a parsed path, or -1 when the
// path has no hardened purpose component.
func Purpose(indices []uint32) int {
	if len(indices) == 0 || indices[0] < hdkeychain.HardenedKeyStart {
		return -1
	}
	return int(indices[0] - hdkeychain.HardenedKeyStart)
}
