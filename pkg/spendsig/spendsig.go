// Package spendsig is the client-side SDK for producing spend
// authorizations accepted by the relay API. A delegate signer holds a
// plain ECDSA key; it builds the canonical spend digest, signs it with
// the EIP-191 personal-message prefix, and submits the hex signature
// alongside the spend request.
//
// The digest layout here must stay byte-identical to the server's
// verifier. It is tagged with DigestVersion so either side can detect
// a mismatch.
package spendsig

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DigestVersion tags the spend digest byte layout.
const DigestVersion = "PAYLANE_SPEND_V1"

// Signer wraps a delegate key used to authorize spends under a session.
type Signer struct {
	key *ecdsa.PrivateKey
}

// NewSigner creates a signer from a hex-encoded private key, with or
// without a 0x prefix.
func NewSigner(privateKeyHex string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Signer{key: key}, nil
}

// GenerateSigner creates a signer with a fresh random key. The caller
// registers the returned address as the session's delegate signer.
func GenerateSigner() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Signer{key: key}, nil
}

// Address returns the signer's lowercase hex address.
func (s *Signer) Address() string {
	return strings.ToLower(crypto.PubkeyToAddress(s.key.PublicKey).Hex())
}

// PrivateKeyHex exports the key for storage, 0x-prefixed.
func (s *Signer) PrivateKeyHex() string {
	return "0x" + hex.EncodeToString(crypto.FromECDSA(s.key))
}

// Spend describes one payment to authorize. Amount is in the token's
// smallest units (6 decimals for USDC).
type Spend struct {
	SessionID string
	Recipient string
	Amount    *big.Int
	PaymentID string
	ChainID   int64
}

// Digest builds the canonical 32-byte digest for a spend.
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
func Digest(sp Spend) ([]byte, error) {
	sessionBytes, err := hex.DecodeString(strings.TrimPrefix(sp.SessionID, "0x"))
	if err != nil || len(sessionBytes) != 32 {
		return nil, fmt.Errorf("session ID must be 32 hex-encoded bytes")
	}
	if !common.IsHexAddress(sp.Recipient) {
		return nil, fmt.Errorf("invalid recipient address %q", sp.Recipient)
	}
	if sp.Amount == nil || sp.Amount.Sign() < 0 || sp.Amount.BitLen() > 256 {
		return nil, fmt.Errorf("invalid amount")
	}

	var chainBytes [8]byte
	binary.BigEndian.PutUint64(chainBytes[:], uint64(sp.ChainID)) //nolint:gosec // chain IDs are small positive values

	packed := make([]byte, 0, len(DigestVersion)+32+20+32+32+8)
	packed = append(packed, []byte(DigestVersion)...)
	packed = append(packed, sessionBytes...)
	packed = append(packed, common.HexToAddress(sp.Recipient).Bytes()...)
	packed = append(packed, common.LeftPadBytes(sp.Amount.Bytes(), 32)...)
	packed = append(packed, crypto.Keccak256([]byte(sp.PaymentID))...)
	packed = append(packed, chainBytes[:]...)

	return crypto.Keccak256(packed), nil
}

// Sign produces the 0x-hex signature for a spend, ready to submit to
// the relay endpoint. The EIP-191 prefix is applied and v is offset to
// the Ethereum convention of 27/28.
func (s *Signer) Sign(sp Spend) (string, error) {
	digest, err := Digest(sp)
	if err != nil {
		return "", err
	}

	sig, err := crypto.Sign(signedHash(digest), s.key)
	if err != nil {
		return "", fmt.Errorf("sign digest: %w", err)
	}
	sig[64] += 27

	return "0x" + hex.EncodeToString(sig), nil
}

// signedHash applies the EIP-191 personal-message prefix to a digest.
func signedHash(digest []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(digest))
	return crypto.Keccak256(append([]byte(prefix), digest...))
}
