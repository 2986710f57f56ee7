package keys

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"

	"btc-bridge/pkg/bridge/types"
)

// KeyManager handles secp256k1 federator key operations. Keys are hex encoded:
// 32-byte private scalars and 33-byte compressed public keys.
type KeyManager struct{}

// NewKeyManager creates a new KeyManager instance
func NewKeyManager() *KeyManager {
	return &KeyManager{}
}

// GeneratePrivateKey generates a new secp256k1 private key and returns it as hex
func (km *KeyManager) GeneratePrivateKey() (string, error) {
	privateKey, err := btcec.NewPrivateKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate secp256k1 key: %w", err)
	}

	return hex.EncodeToString(privateKey.Serialize()), nil
}

// ValidatePrivateKey validates that a private key string is valid hex of the right length
func (km *KeyManager) ValidatePrivateKey(privateKeyHex string) error {
	if privateKeyHex == "" {
		return nil // Empty is valid - will be generated
	}

	_, err := km.ParsePrivateKey(privateKeyHex)
	return err
}

// ParsePrivateKey decodes a hex private key
func (km *KeyManager) ParsePrivateKey(privateKeyHex string) (*btcec.PrivateKey, error) {
	keyBytes, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("private key must be valid hex: %w", err)
	}

	if len(keyBytes) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", btcec.PrivKeyBytesLen, len(keyBytes))
	}

	privateKey, _ := btcec.PrivKeyFromBytes(keyBytes)
	if privateKey.Key.IsZero() {
		return nil, fmt.Errorf("private key is zero")
	}
	return privateKey, nil
}

// ParsePublicKey decodes a hex public key in compressed or uncompressed form
func (km *KeyManager) ParsePublicKey(publicKeyHex string) (*btcec.PublicKey, error) {
	keyBytes, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return nil, fmt.Errorf("public key must be valid hex: %w", err)
	}

	publicKey, err := btcec.ParsePubKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return publicKey, nil
}

// GetPublicKey derives the compressed public key from a private key
func (km *KeyManager) GetPublicKey(privateKeyHex string) (string, error) {
	privateKey, err := km.ParsePrivateKey(privateKeyHex)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(privateKey.PubKey().SerializeCompressed()), nil
}

// GetNativeAddress derives the native ledger address controlled by a private key
func (km *KeyManager) GetNativeAddress(privateKeyHex string) (types.Address, error) {
	privateKey, err := km.ParsePrivateKey(privateKeyHex)
	if err != nil {
		return types.Address{}, err
	}

	return types.AddressFromPubKey(privateKey.PubKey()), nil
}
