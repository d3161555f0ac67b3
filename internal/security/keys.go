package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// KeySize is the byte length of the CSRF and cookie-session keys.
const KeySize = 32

func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

func NewHexKey() (string, error) {
	key, err := NewKey()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

// ParseHexKey decodes a configured key and insists on the full KeySize bytes.
func ParseHexKey(value string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}
