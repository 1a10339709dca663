package registry

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "clinicsync"

// NodeClaims представляет JWT claims токена узла
type NodeClaims struct {
	NodeID string `json:"node_id"`
	jwt.RegisteredClaims
}

// TokenConfig содержит конфигурацию для токенов узлов
type TokenConfig struct {
	Secret []byte
	// TTL 0 означает бессрочный токен: отзыв выполняется перевыпуском
	TTL time.Duration
}

// GenerateNodeToken создает новый JWT для узла.
// Каждый токен уникален за счет jti, поэтому перевыпуск меняет отпечаток.
func GenerateNodeToken(cfg TokenConfig, nodeID string, now time.Time) (string, error) {
	claims := NodeClaims{
		NodeID: nodeID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   nodeID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
	}
	if cfg.TTL > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(cfg.TTL))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

// ValidateNodeToken валидирует и парсит JWT узла
func ValidateNodeToken(cfg TokenConfig, tokenString string) (*NodeClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &NodeClaims{}, func(token *jwt.Token) (any, error) {
		// Проверяем что используется правильный алгоритм подписи
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return cfg.Secret, nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if claims, ok := token.Claims.(*NodeClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}
