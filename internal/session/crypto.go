package session

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DigestVersion tags the spend digest byte layout. The field order and
// widths below are part of the wire contract with the on-chain verifier
// and must never change without bumping this tag.
const DigestVersion = "PAYLANE_SPEND_V1"

// SpendDigest builds the canonical 32-byte message digest for a spend.
//
// Layout (packed, in order):
//
//	version tag        variable  ASCII "PAYLANE_SPEND_V1"
//	sessionId          32 bytes  hex-decoded
//	recipient          20 bytes  address
//	amount             32 bytes  big-endian, left-padded
//	keccak(paymentId)  32 bytes  hash of the variable-length idempotency token
//	chainId             8 bytes  big-endian
//
// The result is keccak256 over the packed bytes.
func SpendDigest(sessionID, recipient string, amount *big.Int, paymentID string, chainID int64) ([]byte, error) {
	sessionBytes, err := hex.DecodeString(strings.TrimPrefix(sessionID, "0x"))
	if err != nil || len(sessionBytes) != 32 {
		return nil, fmt.Errorf("session ID must be 32 hex-encoded bytes")
	}
	if !common.IsHexAddress(recipient) {
		return nil, fmt.Errorf("invalid recipient address %q", recipient)
	}
	if amount == nil || amount.Sign() < 0 || amount.BitLen() > 256 {
		return nil, fmt.Errorf("invalid amount")
	}

	var chainBytes [8]byte
	binary.BigEndian.PutUint64(chainBytes[:], uint64(chainID)) //nolint:gosec // chain IDs are small positive values

	packed := make([]byte, 0, len(DigestVersion)+32+20+32+32+8)
	packed = append(packed, []byte(DigestVersion)...)
	packed = append(packed, sessionBytes...)
	packed = append(packed, common.HexToAddress(recipient).Bytes()...)
	packed = append(packed, common.LeftPadBytes(amount.Bytes(), 32)...)
	packed = append(packed, crypto.Keccak256([]byte(paymentID))...)
	packed = append(packed, chainBytes[:]...)

	return crypto.Keccak256(packed), nil
}

// signedHash applies the EIP-191 personal-message prefix to a digest.
// The on-chain verifier applies the same prefix before ecrecover.
func signedHash(digest []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(digest))
	return crypto.Keccak256(append([]byte(prefix), digest...))
}

// RecoverSigner recovers the signing address from a digest and a
// hex-encoded 65-byte (r[32] + s[32] + v[1]) signature.
func RecoverSigner(digest []byte, signatureHex string) (string, error) {
	sigHex := strings.TrimPrefix(signatureHex, "0x")

	signature, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(signature) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}

	// Ethereum signatures carry v = 27 or 28, but Ecrecover expects 0 or 1.
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubKeyBytes, err := crypto.Ecrecover(signedHash(digest), sig)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}

	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return "", fmt.Errorf("failed to unmarshal public key: %w", err)
	}

	return strings.ToLower(crypto.PubkeyToAddress(*pubKey).Hex()), nil
}

// VerifySpend recovers the signer from the digest and compares it against
// the session's delegate signer (case-insensitive hex compare).
func VerifySpend(s *Session, digest []byte, signatureHex string) error {
	recovered, err := RecoverSigner(digest, signatureHex)
	if err != nil {
		return ErrInvalidSignature
	}
	if !strings.EqualFold(recovered, s.Signer) {
		return ErrInvalidSignature
	}
	return nil
}
