package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// OwnerScope represents the kind of entity a wallet belongs to
type OwnerScope uint8

const (
	OwnerScopeUser OwnerScope = iota
	OwnerScopeAffiliate
)

// WalletKey identifies exactly one wallet (one per owner)
type WalletKey struct {
	Scope   OwnerScope
	OwnerID uuid.UUID
}

// UserWallet creates a key for a player wallet
func UserWallet(userID uuid.UUID) WalletKey {
	return WalletKey{Scope: OwnerScopeUser, OwnerID: userID}
}

// AffiliateWallet creates a key for an affiliate commission wallet
func AffiliateWallet(affiliateID uuid.UUID) WalletKey {
	return WalletKey{Scope: OwnerScopeAffiliate, OwnerID: affiliateID}
}

// Path returns the string representation for storage/logging
func (k WalletKey) Path() string {
	return fmt.Sprintf("%s:%s", k.Scope.String(), k.OwnerID.String())
}

// String implements fmt.Stringer
func (k WalletKey) String() string {
	return k.Path()
}

func (s OwnerScope) String() string {
	switch s {
	case OwnerScopeUser:
		return "user"
	case OwnerScopeAffiliate:
		return "affiliate"
	default:
		return "unknown"
	}
}

// ParseOwnerScope converts the storage name back into a scope
func ParseOwnerScope(s string) (OwnerScope, bool) {
	switch strings.ToLower(s) {
	case "user":
		return OwnerScopeUser, true
	case "affiliate":
		return OwnerScopeAffiliate, true
	default:
		return 0, false
	}
}

// ParseWalletKey parses "scope:uuid" as produced by Path
func ParseWalletKey(path string) (WalletKey, error) {
	scopeName, id, ok := strings.Cut(path, ":")
	if !ok {
		return WalletKey{}, fmt.Errorf("malformed wallet path %q", path)
	}
	scope, ok := ParseOwnerScope(scopeName)
	if !ok {
		return WalletKey{}, fmt.Errorf("unknown owner scope %q", scopeName)
	}
	ownerID, err := uuid.Parse(id)
	if err != nil {
		return WalletKey{}, fmt.Errorf("parse owner id: %w", err)
	}
	return WalletKey{Scope: scope, OwnerID: ownerID}, nil
}
