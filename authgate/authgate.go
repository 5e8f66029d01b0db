// Package authgate protects the control channel: a bcrypt-verified shared
// secret gates the WebSocket upgrade, and console_subscribe additionally
// requires a short-lived JWT scoped to one execution_id, so a console
// viewer can never subscribe to a stream it was never handed.
package authgate

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// consoleTokenTTL bounds how long a console_subscribe grant remains valid
// after it is minted in a run_app-response/deploy_request-response.
const consoleTokenTTL = 10 * time.Minute

// ConsoleClaims is the payload of a console-attach token.
type ConsoleClaims struct {
	jwt.RegisteredClaims
	ExecutionID string `json:"execution_id"`
}

// Gate verifies the control-channel shared secret and mints/validates
// console-attach tokens.
type Gate struct {
	tokenHash string
	signing   []byte
}

// New builds a Gate. tokenHash is the bcrypt hash of the configured
// control_token; signingKey signs console-attach JWTs.
func New(tokenHash, signingKey string) *Gate {
	return &Gate{tokenHash: tokenHash, signing: []byte(signingKey)}
}

// HashToken bcrypt-hashes a plaintext control_token for storage in config.
func HashToken(plain string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckToken reports whether plain matches the configured control_token. An
// empty configured hash means the control channel is unauthenticated —
// only acceptable for local development, never in a production deployment.
func (g *Gate) CheckToken(plain string) bool {
	if g.tokenHash == "" {
		return true
	}
	return bcrypt.CompareHashAndPassword([]byte(g.tokenHash), []byte(plain)) == nil
}

// IssueConsoleToken mints a token scoped to one execution_id, handed back
// in the response that started the run so its caller can attach a console
// viewer to exactly that stream.
func (g *Gate) IssueConsoleToken(executionID string) (string, error) {
	now := time.Now()
	claims := ConsoleClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(consoleTokenTTL)),
		},
		ExecutionID: executionID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(g.signing)
}

// CheckConsoleToken validates raw and reports whether it grants access to
// executionID.
func (g *Gate) CheckConsoleToken(raw, executionID string) error {
	token, err := jwt.ParseWithClaims(raw, &ConsoleClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return g.signing, nil
	})
	if err != nil {
		return fmt.Errorf("invalid console token: %w", err)
	}
	claims, ok := token.Claims.(*ConsoleClaims)
	if !ok || !token.Valid {
		return fmt.Errorf("invalid console token claims")
	}
	if claims.ExecutionID != executionID {
		return fmt.Errorf("console token is not scoped to execution_id %s", executionID)
	}
	return nil
}
