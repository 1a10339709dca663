package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// FingerprintToken вычисляет BLAKE2b-256 отпечаток выданного узлу токена.
// В реестре хранится только отпечаток: утечка базы не раскрывает токены,
// а перевыпуск токена делает старый недействительным.
func FingerprintToken(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("token cannot be empty")
	}

	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:]), nil
}

// VerifyToken проверяет, что токен соответствует сохраненному отпечатку.
// Сравнение выполняется за постоянное время.
func VerifyToken(token, fingerprint string) error {
	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}
	if fingerprint == "" {
		return fmt.Errorf("fingerprint cannot be empty")
	}

	computed, err := FingerprintToken(token)
	if err != nil {
		return fmt.Errorf("failed to compute token fingerprint: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(fingerprint)) != 1 {
		return fmt.Errorf("token does not match fingerprint")
	}

	return nil
}

// ConstantTimeEqual сравнивает два секрета за постоянное время
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// GenerateSecret генерирует случайный секрет заданной длины в base64url
func GenerateSecret(size int) (string, error) {
	if size <= 0 {
		return "", fmt.Errorf("secret size must be positive, got %d", size)
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
