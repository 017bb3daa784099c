// Package sigverify recovers signer identities from signed payload digests.
//
// A payload is hashed with keccak256 and the digest is signed as an Ethereum
// personal message: keccak256("\x19Ethereum Signed Message:\n32" || digest).
// Signatures are 65 bytes R || S || V with V in {0, 1, 27, 28}.
package sigverify

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the size of an R || S || V signature.
const SignatureLength = crypto.SignatureLength

// Signature errors.
var (
	ErrInvalidLength     = errors.New("signature must be 65 bytes")
	ErrInvalidRecoveryID = errors.New("invalid signature recovery id")
	ErrMalleable         = errors.New("signature s value in upper half of curve order")
)

// Digest computes keccak256 of an encoded payload.
func Digest(payload []byte) common.Hash {
	return crypto.Keccak256Hash(payload)
}

// MessageHash computes the personal-message hash that is actually signed for digest.
func MessageHash(digest common.Hash) []byte {
	return accounts.TextHash(digest.Bytes())
}

// Recover returns the address that signed digest.
func Recover(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, ErrInvalidLength
	}

	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return common.Address{}, ErrInvalidRecoveryID
	}

	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(normalized[64], r, s, true) {
		return common.Address{}, ErrMalleable
	}

	pub, err := crypto.SigToPub(MessageHash(digest), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// RecoverPayload hashes payload and returns the address that signed its digest.
func RecoverPayload(payload, sig []byte) (common.Address, error) {
	return Recover(Digest(payload), sig)
}

// Sign signs digest as a personal message. V is returned as 27 or 28.
func Sign(digest common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(MessageHash(digest), key)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// SignPayload hashes payload and signs the digest.
func SignPayload(payload []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	return Sign(Digest(payload), key)
}
