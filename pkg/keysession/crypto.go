package keysession

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	kekSize       = 32
	dekSize       = 32
	saltSize      = 16
	gcmTagSize    = 16
	kdfIterations = 210000
	kdfAlgorithm  = "pbkdf2-sha256"
	wrapAlgorithm = "aes-256-gcm"
)

// KEKSalt is the persisted KDF input for deriving a user's key-encryption-key.
type KEKSalt struct {
	Salt          string    `json:"salt"` // hex
	KDFIterations int       `json:"kdfIterations"`
	KDFAlgorithm  string    `json:"kdfAlgorithm"`
	CreatedAt     time.Time `json:"createdAt"`
}

// EncryptedDEK is the persisted, KEK-wrapped data-encryption-key.
type EncryptedDEK struct {
	Ciphertext string    `json:"ciphertext"` // hex
	IV         string    `json:"iv"`         // hex
	AuthTag    string    `json:"authTag"`    // hex
	Algorithm  string    `json:"algorithm"`
	CreatedAt  time.Time `json:"createdAt"`
}

func newSalt(now time.Time) (KEKSalt, error) {
	raw := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return KEKSalt{}, fmt.Errorf("failed to generate salt: %w", err)
	}
	return KEKSalt{
		Salt:          hex.EncodeToString(raw),
		KDFIterations: kdfIterations,
		KDFAlgorithm:  kdfAlgorithm,
		CreatedAt:     now,
	}, nil
}

func deriveKEK(secret []byte, salt KEKSalt) ([]byte, error) {
	if salt.KDFAlgorithm != kdfAlgorithm {
		return nil, fmt.Errorf("unsupported KDF algorithm %q", salt.KDFAlgorithm)
	}
	raw, err := hex.DecodeString(salt.Salt)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	return pbkdf2.Key(secret, raw, salt.KDFIterations, kekSize, sha256.New), nil
}

func newDEK() ([]byte, error) {
	dek := make([]byte, dekSize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	return dek, nil
}

func wrapDEK(kek, dek []byte, now time.Time) (EncryptedDEK, error) {
	gcm, err := newGCM(kek)
	if err != nil {
		return EncryptedDEK{}, err
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return EncryptedDEK{}, fmt.Errorf("failed to generate iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, dek, nil)
	// Seal appends the tag; the record keeps ciphertext and tag apart.
	split := len(sealed) - gcmTagSize
	return EncryptedDEK{
		Ciphertext: hex.EncodeToString(sealed[:split]),
		IV:         hex.EncodeToString(iv),
		AuthTag:    hex.EncodeToString(sealed[split:]),
		Algorithm:  wrapAlgorithm,
		CreatedAt:  now,
	}, nil
}

func unwrapDEK(kek []byte, rec EncryptedDEK) ([]byte, error) {
	if rec.Algorithm != wrapAlgorithm {
		return nil, fmt.Errorf("unsupported wrap algorithm %q", rec.Algorithm)
	}
	gcm, err := newGCM(kek)
	if err != nil {
		return nil, err
	}
	iv, err := hex.DecodeString(rec.IV)
	if err != nil {
		return nil, fmt.Errorf("failed to decode iv: %w", err)
	}
	ct, err := hex.DecodeString(rec.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	tag, err := hex.DecodeString(rec.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("failed to decode auth tag: %w", err)
	}
	if len(iv) != gcm.NonceSize() {
		return nil, fmt.Errorf("iv has wrong length %d", len(iv))
	}
	return gcm.Open(nil, iv, append(ct, tag...), nil)
}

// EncryptField encrypts one sensitive field value under key (AES-256-GCM).
// The result is hex(nonce || ciphertext || tag).
func EncryptField(key []byte, plaintext string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(append(nonce, sealed...)), nil
}

// DecryptField reverses EncryptField.
func DecryptField(key []byte, encryptedHex string) (string, error) {
	combined, err := hex.DecodeString(encryptedHex)
	if err != nil {
		return "", fmt.Errorf("failed to decode hex: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	if len(combined) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	plaintext, err := gcm.Open(nil, combined[:gcm.NonceSize()], combined[gcm.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Zero overwrites b. Key material is wiped eagerly at eviction rather than
// left for the garbage collector.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
