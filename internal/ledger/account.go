package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeAvailable AccountSubType = iota // spendable balance
	SubTypeOnHold                          // committed to the user's own active listings

	// System sub-types
	SubTypeSystemEscrow // buyer payments held per open trade
	SubTypeSystemFees

	// External sub-types
	SubTypeExternalPayments // fiat payment gateway boundary
	SubTypeExternalFaucet   // test-mode auto-fund source
)

// AssetID maps asset symbols to numeric IDs for performance
type AssetID uint16

var (
	assetToID = map[string]AssetID{
		"FUN":  1,
		"USDT": 2,
	}
	idToAsset = map[AssetID]string{
		1: "FUN",
		2: "USDT",
	}
)

// AssetFUN is the marketplace token every listing, payment, and settlement
// is denominated in. AssetUSDT is held on behalf of users via the payment
// gateway but never moved by the trade pipeline.
const (
	AssetFUN  AssetID = 1
	AssetUSDT AssetID = 2
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking (20 bytes, cache-friendly)
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, name bytes for system accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(name string, subType AccountSubType, assetID AssetID) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(name))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// EscrowAccountKey returns the shared trade-escrow account for an asset.
func EscrowAccountKey(assetID AssetID) AccountKey {
	return NewSystemAccountKey("escrow", SubTypeSystemEscrow, assetID)
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath, used when restoring
// balances from a snapshot. Unparseable paths return the zero key.
func ParseAccountPath(path string) AccountKey {
	parts := strings.Split(path, ":")

	switch {
	case len(parts) == 4 && parts[0] == "user":
		userID, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}
		}
		subType, ok := subTypeFromName(parts[2])
		if !ok {
			return AccountKey{}
		}
		assetID, ok := GetAssetID(parts[3])
		if !ok {
			return AccountKey{}
		}
		return NewUserAccountKey(userID, subType, assetID)

	case len(parts) == 3 && parts[0] == "system":
		subType, ok := subTypeFromName(parts[1])
		if !ok {
			return AccountKey{}
		}
		assetID, ok := GetAssetID(parts[2])
		if !ok {
			return AccountKey{}
		}
		// System accounts are named after their sub-type
		return NewSystemAccountKey(parts[1], subType, assetID)

	case len(parts) == 3 && parts[0] == "external":
		subType, ok := subTypeFromName(parts[1])
		if !ok {
			return AccountKey{}
		}
		assetID, ok := GetAssetID(parts[2])
		if !ok {
			return AccountKey{}
		}
		return NewExternalAccountKey(subType, assetID)
	}

	return AccountKey{}
}

func subTypeFromName(name string) (AccountSubType, bool) {
	switch name {
	case "available":
		return SubTypeAvailable, true
	case "on_hold":
		return SubTypeOnHold, true
	case "escrow":
		return SubTypeSystemEscrow, true
	case "fees":
		return SubTypeSystemFees, true
	case "payments":
		return SubTypeExternalPayments, true
	case "faucet":
		return SubTypeExternalFaucet, true
	}
	return 0, false
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeAvailable:
		return "available"
	case SubTypeOnHold:
		return "on_hold"
	case SubTypeSystemEscrow:
		return "escrow"
	case SubTypeSystemFees:
		return "fees"
	case SubTypeExternalPayments:
		return "payments"
	case SubTypeExternalFaucet:
		return "faucet"
	default:
		return "unknown"
	}
}
