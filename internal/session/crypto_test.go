package session

import (
	"encoding/hex"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

const (
	testSessionID = "1f2e3d4c5b6a79880102030405060708090a0b0c0d0e0f101112131415161718"
	testRecipient = "0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B"
)

func TestSpendDigest_Deterministic(t *testing.T) {
	d1, err := SpendDigest(testSessionID, testRecipient, big.NewInt(1_500_000), "pay_001", 84532)
	if err != nil {
		t.Fatalf("SpendDigest failed: %v", err)
	}
	d2, err := SpendDigest(testSessionID, testRecipient, big.NewInt(1_500_000), "pay_001", 84532)
	if err != nil {
		t.Fatalf("SpendDigest failed: %v", err)
	}
	if hex.EncodeToString(d1) != hex.EncodeToString(d2) {
		t.Error("digest is not deterministic")
	}
	if len(d1) != 32 {
		t.Errorf("digest must be 32 bytes, got %d", len(d1))
	}
}

// TestSpendDigest_GoldenVector pins the exact digest bytes. If this test
// breaks, the wire contract with signers and the on-chain verifier broke
// with it; the layout must not change without bumping DigestVersion.
func TestSpendDigest_GoldenVector(t *testing.T) {
	d, err := SpendDigest(testSessionID, testRecipient, big.NewInt(1_500_000), "pay_001", 84532)
	if err != nil {
		t.Fatalf("SpendDigest failed: %v", err)
	}
	const want = "fcff74dbf822fc60f947c43a50975b2222ba6c519e17a1943fb71199a1768e98"
	if got := hex.EncodeToString(d); got != want {
		t.Errorf("digest = %s, want %s", got, want)
	}
}

func TestSpendDigest_FieldSensitivity(t *testing.T) {
	base, _ := SpendDigest(testSessionID, testRecipient, big.NewInt(100), "pay_001", 84532)

	variants := []struct {
		name string
		fn   func() ([]byte, error)
	}{
		{"amount", func() ([]byte, error) {
			return SpendDigest(testSessionID, testRecipient, big.NewInt(101), "pay_001", 84532)
		}},
		{"paymentId", func() ([]byte, error) {
			return SpendDigest(testSessionID, testRecipient, big.NewInt(100), "pay_002", 84532)
		}},
		{"chainId", func() ([]byte, error) {
			return SpendDigest(testSessionID, testRecipient, big.NewInt(100), "pay_001", 8453)
		}},
		{"recipient", func() ([]byte, error) {
			return SpendDigest(testSessionID, "0x0000000000000000000000000000000000000001", big.NewInt(100), "pay_001", 84532)
		}},
	}

	for _, v := range variants {
		t.Run(v.name, func(t *testing.T) {
			d, err := v.fn()
			if err != nil {
				t.Fatalf("SpendDigest failed: %v", err)
			}
			if hex.EncodeToString(d) == hex.EncodeToString(base) {
				t.Errorf("changing %s did not change the digest", v.name)
			}
		})
	}
}

func TestSpendDigest_InvalidInputs(t *testing.T) {
	if _, err := SpendDigest("deadbeef", testRecipient, big.NewInt(1), "p", 1); err == nil {
		t.Error("expected error for short session ID")
	}
	if _, err := SpendDigest(testSessionID, "not-an-address", big.NewInt(1), "p", 1); err == nil {
		t.Error("expected error for bad recipient")
	}
	if _, err := SpendDigest(testSessionID, testRecipient, big.NewInt(-1), "p", 1); err == nil {
		t.Error("expected error for negative amount")
	}
}

func TestRecoverSigner_RoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	addr := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())

	digest, err := SpendDigest(testSessionID, testRecipient, big.NewInt(250_000), "pay_rt", 84532)
	if err != nil {
		t.Fatalf("SpendDigest failed: %v", err)
	}

	sig, err := crypto.Sign(signedHash(digest), key)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	sig[64] += 27 // Ethereum signatures carry v = 27 or 28

	recovered, err := RecoverSigner(digest, "0x"+hex.EncodeToString(sig))
	if err != nil {
		t.Fatalf("RecoverSigner failed: %v", err)
	}
	if recovered != addr {
		t.Errorf("expected %s, got %s", addr, recovered)
	}
}

func TestRecoverSigner_Malformed(t *testing.T) {
	digest, _ := SpendDigest(testSessionID, testRecipient, big.NewInt(1), "p", 1)

	if _, err := RecoverSigner(digest, "not-hex"); err == nil {
		t.Error("expected error for invalid hex")
	}
	if _, err := RecoverSigner(digest, "0xabcd"); err == nil {
		t.Error("expected error for wrong length")
	}
}

func TestVerifySpend(t *testing.T) {
	signerKey, _ := crypto.GenerateKey()
	strangerKey, _ := crypto.GenerateKey()
	signerAddr := strings.ToLower(crypto.PubkeyToAddress(signerKey.PublicKey).Hex())

	s := &Session{
		ID:     testSessionID,
		Signer: signerAddr,
		Expiry: time.Now().Add(time.Hour),
	}

	digest, err := SpendDigest(s.ID, testRecipient, big.NewInt(100_000), "pay_v", 84532)
	if err != nil {
		t.Fatalf("SpendDigest failed: %v", err)
	}

	goodSig, err := crypto.Sign(signedHash(digest), signerKey)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	goodSig[64] += 27
	if err := VerifySpend(s, digest, hex.EncodeToString(goodSig)); err != nil {
		t.Errorf("expected valid signature, got %v", err)
	}

	badSig, err := crypto.Sign(signedHash(digest), strangerKey)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	badSig[64] += 27
	if err := VerifySpend(s, digest, hex.EncodeToString(badSig)); err != ErrInvalidSignature {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}

	if err := VerifySpend(s, digest, "garbage"); err != ErrInvalidSignature {
		t.Errorf("expected ErrInvalidSignature for malformed input, got %v", err)
	}
}
