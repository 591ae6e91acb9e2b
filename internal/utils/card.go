package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Codec errors
var (
	ErrCrypto            = errors.New("card number crypto failure")
	ErrInvalidCardNumber = errors.New("card number must be exactly 16 digits")
)

const (
	cardNumberLength = 16
	maskPrefix       = "**** **** **** "
	maskFallback     = "****"

	encKeyInfo = "bank-cards/card-number/enc"
	macKeyInfo = "bank-cards/card-number/siv"
)

// CardCodec encrypts card numbers for storage and masks them for display.
//
// Encryption is deterministic: the GCM nonce is an HMAC of the plaintext, so
// the same number under the same key always produces the same ciphertext and
// uniqueness can be checked on the stored value.
type CardCodec struct {
	aead   cipher.AEAD
	macKey []byte
}

// NewCardCodec derives encryption and nonce keys from key (16, 24 or 32 bytes)
func NewCardCodec(key []byte) (*CardCodec, error) {
	if len(key) != 16 && len(key) != 24 && len(key) != 32 {
		return nil, fmt.Errorf("%w: encryption key must be 16, 24, or 32 bytes, got %d", ErrCrypto, len(key))
	}

	encKey, err := deriveKey(key, encKeyInfo, 32)
	if err != nil {
		return nil, err
	}
	macKey, err := deriveKey(key, macKeyInfo, 32)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create cipher: %v", ErrCrypto, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create gcm: %v", ErrCrypto, err)
	}

	return &CardCodec{aead: gcm, macKey: macKey}, nil
}

func deriveKey(secret []byte, info string, size int) ([]byte, error) {
	out := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("%w: failed to derive key: %v", ErrCrypto, err)
	}
	return out, nil
}

// Encrypt returns the hex-encoded ciphertext of a card number
func (c *CardCodec) Encrypt(plain string) (string, error) {
	if c == nil || c.aead == nil {
		return "", fmt.Errorf("%w: encryption key is not configured", ErrCrypto)
	}
	if len(plain) == 0 {
		return "", fmt.Errorf("%w: input data is empty", ErrCrypto)
	}

	nonce := c.syntheticNonce(plain)
	sealed := c.aead.Seal(nonce, nonce, []byte(plain), nil)
	return hex.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt
func (c *CardCodec) Decrypt(encrypted string) (string, error) {
	if c == nil || c.aead == nil {
		return "", fmt.Errorf("%w: encryption key is not configured", ErrCrypto)
	}
	if len(encrypted) == 0 {
		return "", fmt.Errorf("%w: encrypted data is empty", ErrCrypto)
	}

	data, err := hex.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("%w: failed to decode hex: %v", ErrCrypto, err)
	}

	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize+c.aead.Overhead() {
		return "", fmt.Errorf("%w: encrypted data too short: %d bytes", ErrCrypto, len(data))
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: failed to open ciphertext: %v", ErrCrypto, err)
	}

	return string(plaintext), nil
}

// MaskEncrypted decrypts and masks in one step. It never fails: anything that
// cannot be decrypted is shown as the bare fallback.
func (c *CardCodec) MaskEncrypted(encrypted string) string {
	plain, err := c.Decrypt(encrypted)
	if err != nil {
		return maskFallback
	}
	return Mask(plain)
}

func (c *CardCodec) syntheticNonce(plain string) []byte {
	mac := hmac.New(sha256.New, c.macKey)
	mac.Write([]byte(plain))
	nonce := make([]byte, c.aead.NonceSize())
	copy(nonce, mac.Sum(nil))
	return nonce
}

// Mask renders a card number as "**** **** **** 1234"
func Mask(plain string) string {
	if len(plain) < 4 {
		return maskFallback
	}
	return maskPrefix + plain[len(plain)-4:]
}

// ValidateCardNumber checks the 16-digit shape of a card number
func ValidateCardNumber(number string) error {
	if len(number) != cardNumberLength {
		return ErrInvalidCardNumber
	}
	for i := 0; i < len(number); i++ {
		if number[i] < '0' || number[i] > '9' {
			return ErrInvalidCardNumber
		}
	}
	return nil
}
