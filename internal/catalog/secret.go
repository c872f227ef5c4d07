package catalog

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// secret is the passphrase the AES key derives from. Compile with a unique
// value per deployment:
//
//	go build -ldflags "-X github.com/sqlpulse/sqlpulse/internal/catalog.secret=..."
var secret = "sqlpulse/catalog"

// commonIV is the fixed CFB initialization vector shared with
// scripts/encrypt-password. Changing it invalidates existing ciphertexts.
var commonIV = []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f}

// keySalt is the PBKDF2 salt for deriving the AES-256 key from secret.
var keySalt = []byte("sqlpulse.password.v1")

func aesKey() []byte {
	return pbkdf2.Key([]byte(secret), keySalt, 4096, 32, sha256.New)
}

// EncryptPassword encrypts a plaintext password for the password_encrypted
// catalog field. Used by scripts/encrypt-password and tests.
func EncryptPassword(plain string) (string, error) {
	block, err := aes.NewCipher(aesKey())
	if err != nil {
		return "", fmt.Errorf("catalog: create cipher: %w", err)
	}
	out := make([]byte, len(plain))
	cipher.NewCFBEncrypter(block, commonIV).XORKeyStream(out, []byte(plain))
	return hex.EncodeToString(out), nil
}

func decryptPassword(encrypted string) (string, error) {
	raw, err := hex.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("not valid hex: %w", err)
	}
	block, err := aes.NewCipher(aesKey())
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	out := make([]byte, len(raw))
	cipher.NewCFBDecrypter(block, commonIV).XORKeyStream(out, raw)
	return string(out), nil
}
