// Package wallet implements the service's custodial key material: a single
// master seed (SUI_PRIVATE_KEY, spec.md §6) from which a per-user signing
// address is hierarchically derived. The dispatcher's per-wallet FIFO
// (spec.md §4.5) binds on the derived Address, so each user's chain
// operations are ordered against a single-writer coin owner without the
// service persisting one keypair per user.
//
// Adapted from the teacher's HD-wallet implementation: ed25519 keypairs,
// SLIP-0010-style hardened-only derivation, BIP-39 mnemonic utilities for
// the operator CLI. Import hygiene: this package depends only on crypto and
// logging, never on staging/dispatch/ledger.
package wallet

import (
	"crypto/ed25519"
	"crypto/hmac"
	crand "crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/sirupsen/logrus"
	bip39 "github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/ripemd160"
)

const (
	hardenedOffset uint32 = 0x80000000
	masterHMACKey         = "ed25519 seed"
	addressLen            = 20
)

// Address is a 20-byte account address derived from an ed25519 public key.
type Address [addressLen]byte

// Hex returns the "0x"-prefixed hex representation of the address.
func (a Address) Hex() string { return "0x" + hex.EncodeToString(a[:]) }

// Short returns a shortened hex form for logging.
func (a Address) Short() string {
	full := hex.EncodeToString(a[:])
	if len(full) <= 8 {
		return full
	}
	return fmt.Sprintf("%s..%s", full[:4], full[len(full)-4:])
}

// Wallet holds the service's master key material in memory only.
type Wallet struct {
	masterKey   []byte
	masterChain []byte
}

// FromHexSeed loads the wallet from a 32-byte hex-encoded private key, per
// spec.md §6 ("SUI_PRIVATE_KEY: 32-byte hex, optional 0x prefix").
func FromHexSeed(hexSeed string) (*Wallet, error) {
	hexSeed = strings.TrimPrefix(hexSeed, "0x")
	seed, err := hex.DecodeString(hexSeed)
	if err != nil {
		return nil, fmt.Errorf("wallet: decode SUI_PRIVATE_KEY: %w", err)
	}
	if len(seed) != 32 {
		return nil, fmt.Errorf("wallet: SUI_PRIVATE_KEY must be 32 bytes, got %d", len(seed))
	}
	return newFromSeed(seed)
}

// NewRandom generates entropyBits (128/256) of RNG entropy and returns a
// wallet plus its recovery mnemonic, for the operator CLI's wallet-creation
// helper.
func NewRandom(entropyBits int) (*Wallet, string, error) {
	if entropyBits != 128 && entropyBits != 256 {
		return nil, "", fmt.Errorf("wallet: unsupported entropy size %d", entropyBits)
	}
	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return nil, "", fmt.Errorf("wallet: entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", fmt.Errorf("wallet: mnemonic: %w", err)
	}
	seed := bip39.NewSeed(mnemonic, "")
	w, err := newFromSeed(seed)
	if err != nil {
		return nil, "", err
	}
	return w, mnemonic, nil
}

// FromMnemonic imports an existing BIP-39 phrase, for the operator CLI.
func FromMnemonic(mnemonic, passphrase string) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("wallet: invalid mnemonic checksum")
	}
	return newFromSeed(bip39.NewSeed(mnemonic, passphrase))
}

func newFromSeed(seed []byte) (*Wallet, error) {
	if len(seed) < 16 {
		return nil, errors.New("wallet: seed too short")
	}
	I := hmacSHA512([]byte(masterHMACKey), seed)
	w := &Wallet{masterKey: I[:32], masterChain: I[32:]}
	logrus.Infof("wallet: master key initialised (%d bytes seed)", len(seed))
	return w, nil
}

func hmacSHA512(key, data []byte) []byte {
	h := hmac.New(sha512.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func derivePrivate(parentKey, parentChain []byte, index uint32) (key, ccode []byte, err error) {
	if index < hardenedOffset {
		return nil, nil, errors.New("wallet: non-hardened derivation not supported for ed25519")
	}
	data := make([]byte, 1+32+4)
	copy(data[1:], parentKey)
	binary.BigEndian.PutUint32(data[33:], index)
	I := hmacSHA512(parentChain, data)
	return I[:32], I[32:], nil
}

// privateKey returns the ed25519 keypair at derivation path m/account'/index'.
func (w *Wallet) privateKey(account, index uint32) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	account |= hardenedOffset
	index |= hardenedOffset

	k1, c1, err := derivePrivate(w.masterKey, w.masterChain, account)
	if err != nil {
		return nil, nil, err
	}
	k2, _, err := derivePrivate(k1, c1, index)
	if err != nil {
		return nil, nil, err
	}
	priv := ed25519.NewKeyFromSeed(k2)
	return priv, priv.Public().(ed25519.PublicKey), nil
}

func pubKeyToAddress(pub ed25519.PublicKey) Address {
	sha := sha256.Sum256(pub)
	r := ripemd160.New()
	r.Write(sha[:])
	var out Address
	copy(out[:], r.Sum(nil))
	return out
}

// userAccountIndex maps a userId deterministically onto a hardened HD
// account index, so the same user always derives the same address without
// the service persisting a per-user key.
func userAccountIndex(userID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return h.Sum32() &^ hardenedOffset // keep below the hardened-offset bit; derivePrivate ORs it back in
}

// AddressForUser derives the signing address the dispatcher's per-wallet
// FIFO (spec.md §4.5) binds on for a given user.
func (w *Wallet) AddressForUser(userID string) (Address, error) {
	_, pub, err := w.privateKey(userAccountIndex(userID), 0)
	if err != nil {
		return Address{}, err
	}
	return pubKeyToAddress(pub), nil
}

// SignForUser signs digest with the derived key for userID, returning a
// 96-byte [sig(64) || pubkey(32)] blob for stateless verification, matching
// the teacher's wallet.SignTx layout.
func (w *Wallet) SignForUser(userID string, digest []byte) ([]byte, Address, error) {
	priv, pub, err := w.privateKey(userAccountIndex(userID), 0)
	if err != nil {
		return nil, Address{}, err
	}
	sig := ed25519.Sign(priv, digest)
	out := make([]byte, 96)
	copy(out[:64], sig)
	copy(out[64:], pub)
	return out, pubKeyToAddress(pub), nil
}

// RandomMnemonicEntropy produces cryptographically secure random entropy of
// the given number of bits, for the operator CLI.
func RandomMnemonicEntropy(bits int) ([]byte, error) {
	if bits%32 != 0 {
		return nil, errors.New("wallet: entropy bits must be a multiple of 32")
	}
	b := make([]byte, bits/8)
	if _, err := crand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
