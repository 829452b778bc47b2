package wallet

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
)

var (
	ErrNotConnected = errors.New("wallet not connected")
	ErrNoKey        = errors.New("no wallet key configured")
)

// Provider reports and establishes the wallet connection used for signing.
type Provider interface {
	IsConnected(ctx context.Context) bool
	CurrentAddress(ctx context.Context) (common.Address, bool)
	PromptConnect(ctx context.Context) error
}

// KeySource yields a hex-encoded secp256k1 private key.
type KeySource func() (string, error)

// EnvKey reads the key from an environment variable.
func EnvKey(name string) KeySource {
	return func() (string, error) {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			return "", fmt.Errorf("%w: %s is empty", ErrNoKey, name)
		}
		return v, nil
	}
}

// FileKey reads the key from a file, ignoring surrounding whitespace.
func FileKey(path string) KeySource {
	return func() (string, error) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read key file: %w", err)
		}
		v := strings.TrimSpace(string(raw))
		if v == "" {
			return "", fmt.Errorf("%w: %s is empty", ErrNoKey, path)
		}
		return v, nil
	}
}

func StaticKey(hexKey string) KeySource {
	return func() (string, error) {
		if strings.TrimSpace(hexKey) == "" {
			return "", ErrNoKey
		}
		return hexKey, nil
	}
}

// FirstKey tries each source in order and returns the first key found.
func FirstKey(sources ...KeySource) KeySource {
	return func() (string, error) {
		var errs []error
		for _, src := range sources {
			if src == nil {
				continue
			}
			key, err := src()
			if err == nil {
				return key, nil
			}
			errs = append(errs, err)
		}
		if len(errs) == 0 {
			return "", ErrNoKey
		}
		return "", errors.Join(errs...)
	}
}

// KeyWallet is a server-held signing account. It starts disconnected and
// loads its key from the source on PromptConnect.
type KeyWallet struct {
	source KeySource
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewKeyWallet(source KeySource, logger *zap.SugaredLogger) *KeyWallet {
	return &KeyWallet{source: source, logger: logger}
}

func (w *KeyWallet) IsConnected(context.Context) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.key != nil
}

func (w *KeyWallet) CurrentAddress(context.Context) (common.Address, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.key == nil {
		return common.Address{}, false
	}
	return w.address, true
}

// PromptConnect loads the key. Connecting an already connected wallet is a
// no-op.
func (w *KeyWallet) PromptConnect(ctx context.Context) error {
	if w.IsConnected(ctx) {
		return nil
	}
	if w.source == nil {
		return ErrNoKey
	}
	hexKey, err := w.source()
	if err != nil {
		return fmt.Errorf("connect wallet: %w", err)
	}

	keyBytes, err := decodeKey(hexKey)
	if err != nil {
		return fmt.Errorf("connect wallet: %w", err)
	}
	key, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return fmt.Errorf("connect wallet: %w", err)
	}

	w.mu.Lock()
	w.key = key
	w.address = addressFromKeyBytes(keyBytes)
	w.mu.Unlock()

	if w.logger != nil {
		w.logger.Infow("Wallet connected", "address", w.address.Hex())
	}
	return nil
}

func (w *KeyWallet) Disconnect() {
	w.mu.Lock()
	w.key = nil
	w.address = common.Address{}
	w.mu.Unlock()
}

// SignTx signs tx with an EIP-155 signer for chainID.
func (w *KeyWallet) SignTx(_ context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	w.mu.RLock()
	key := w.key
	w.mu.RUnlock()
	if key == nil {
		return nil, ErrNotConnected
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
}

// AddressFromPrivateKey derives the account address for a hex private key.
func AddressFromPrivateKey(hexKey string) (common.Address, error) {
	keyBytes, err := decodeKey(hexKey)
	if err != nil {
		return common.Address{}, err
	}
	return addressFromKeyBytes(keyBytes), nil
}

func decodeKey(hexKey string) ([]byte, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("expected 32-byte private key, got %d", len(keyBytes))
	}
	return keyBytes, nil
}

func addressFromKeyBytes(keyBytes []byte) common.Address {
	priv := secp256k1.PrivKeyFromBytes(keyBytes)
	pub := priv.PubKey().SerializeUncompressed()

	// last 20 bytes of keccak256 over the uncompressed key without its 0x04 prefix
	hasher := sha3.NewLegacyKeccak256()
	_, _ = hasher.Write(pub[1:])
	return common.BytesToAddress(hasher.Sum(nil)[12:])
}
