// Package keys holds node signing keys and the hashing used to sign proposals.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
	"github.com/mr-tron/base58/base58"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/blake2b"

	"artledger/internal/domain"
)

const fingerprintPrefix = "art1"

var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// KeyPair is a named ed25519 identity. The private key never leaves it.
type KeyPair struct {
	name string
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func Generate(name string) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &KeyPair{name: name, priv: priv, pub: pub}, nil
}

func FromSeed(name string, seed []byte) (*KeyPair, error) {
	if len(seed) < ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be at least %d bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])
	return &KeyPair{name: name, priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// NewMnemonic returns a fresh 24 word recovery phrase.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// FromMnemonic derives the key deterministically from a bip39 phrase.
func FromMnemonic(name, mnemonic string) (*KeyPair, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	return FromSeed(name, bip39.NewSeed(mnemonic, ""))
}

func (k *KeyPair) Name() string { return k.name }

func (k *KeyPair) PublicKey() string { return hex.EncodeToString(k.pub) }

func (k *KeyPair) Party() domain.Party {
	return domain.Party{Name: k.name, PublicKey: k.PublicKey()}
}

// Sign returns the hex signature over data.
func (k *KeyPair) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(k.priv, data))
}

// Verify checks a hex signature against a hex public key.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size")
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}

// Fingerprint is the short display form of a public key.
func Fingerprint(pubKeyHex string) (string, error) {
	pub, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return "", fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid public key size")
	}
	h := blake2b.Sum256(pub)
	return fingerprintPrefix + base58.Encode(h[:]), nil
}

// CanonicalHash is the hex SHA-256 of the RFC 8785 form of the proposal.
func CanonicalHash(p domain.Proposal) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal proposal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize proposal: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
