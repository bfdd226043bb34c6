// Package wallet loads the agent's signing key. Key custody itself is left
// to the operator: the key arrives as a mnemonic or a raw hex secret.
package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

var ErrNoKey = errors.New("no signing key configured")

// KeySource yields the ECDSA key used to sign outbound transfers.
type KeySource interface {
	PrivateKey() (*ecdsa.PrivateKey, error)
}

// Address returns the account controlled by src.
func Address(src KeySource) (common.Address, error) {
	key, err := src.PrivateKey()
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

// HDKeySource derives m/44'/60'/0'/0/index from a BIP-39 mnemonic. The key is
// derived once and cached.
type HDKeySource struct {
	mnemonic   string
	passphrase string
	index      uint32

	once sync.Once
	key  *ecdsa.PrivateKey
	err  error
}

func NewHDKeySource(mnemonic, passphrase string, index uint32) *HDKeySource {
	return &HDKeySource{
		mnemonic:   strings.TrimSpace(mnemonic),
		passphrase: passphrase,
		index:      index,
	}
}

func (s *HDKeySource) PrivateKey() (*ecdsa.PrivateKey, error) {
	s.once.Do(func() {
		s.key, s.err = s.derive()
	})
	return s.key, s.err
}

// DerivationPath is the BIP-44 path of the derived key.
func (s *HDKeySource) DerivationPath() string {
	return fmt.Sprintf("m/44'/60'/0'/0/%d", s.index)
}

func (s *HDKeySource) derive() (*ecdsa.PrivateKey, error) {
	if s.mnemonic == "" {
		return nil, ErrNoKey
	}
	seed, err := bip39.NewSeedWithErrorChecking(s.mnemonic, s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %w", err)
	}

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}

	key := master
	for _, idx := range []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + 60,
		hdkeychain.HardenedKeyStart + 0,
		0,
		s.index,
	} {
		if key, err = key.Derive(idx); err != nil {
			return nil, fmt.Errorf("derive %s: %w", s.DerivationPath(), err)
		}
	}

	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("extract private key: %w", err)
	}
	return priv.ToECDSA(), nil
}

// HexKeySource wraps a raw hex secret, with or without 0x prefix.
type HexKeySource struct {
	key *ecdsa.PrivateKey
	err error
}

func NewHexKeySource(hexKey string) *HexKeySource {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return &HexKeySource{err: ErrNoKey}
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return &HexKeySource{err: fmt.Errorf("invalid private key: %w", err)}
	}
	return &HexKeySource{key: key}
}

func (s *HexKeySource) PrivateKey() (*ecdsa.PrivateKey, error) {
	return s.key, s.err
}
