// Package wallet implements deterministic custodial wallets and the
// withdrawal path. Keys are re-derived on demand from user identity
// plus a process secret; nothing key-shaped is ever stored.
package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DeriveKey derives a user's wallet key from the identity tuple and the
// process-wide secret. The email is normalized (trimmed, lowercased)
// before hashing so a cosmetic change at the identity provider does not
// silently move funds to a different address.
//
// The secret must never appear in logs or errors.
func DeriveKey(userID, email, secret string) (*ecdsa.PrivateKey, common.Address, error) {
	normEmail := strings.ToLower(strings.TrimSpace(email))
	seed := crypto.Keccak256([]byte(userID + "-" + normEmail + "-" + secret))

	key, err := crypto.ToECDSA(seed)
	if err != nil {
		// Astronomically unlikely (seed outside the curve order), but
		// must be a hard failure rather than a wrong address.
		return nil, common.Address{}, fmt.Errorf("derive key for user %s: %w", userID, err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey), nil
}

// DeriveAddress is DeriveKey without exposing the private key, for
// registration and verification flows.
func DeriveAddress(userID, email, secret string) (common.Address, error) {
	key, addr, err := DeriveKey(userID, email, secret)
	if err != nil {
		return common.Address{}, err
	}
	zeroKey(key)
	return addr, nil
}

func zeroKey(key *ecdsa.PrivateKey) {
	if key != nil && key.D != nil {
		key.D.SetInt64(0)
	}
}
