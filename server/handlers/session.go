package handlers

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/stakematch/arena/server/config"
	"github.com/stakematch/arena/server/metrics"
)

// Session token lifetime
const sessionTokenLifetime = 30 * 24 * time.Hour // 30 days

// minTokenLength rejects obviously malformed tokens before touching the
// database.
const minTokenLength = 24

type walletContextKey struct{}

// WalletFromContext returns the wallet address the session middleware
// verified for this request.
func WalletFromContext(ctx context.Context) (string, bool) {
	wallet, ok := ctx.Value(walletContextKey{}).(string)
	return wallet, ok
}

// generateSessionToken generates a cryptographically secure session token
func generateSessionToken() (string, string, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", "", err
	}
	token := base64.URLEncoding.EncodeToString(tokenBytes)
	hash := sha256.Sum256([]byte(token))
	return token, hex.EncodeToString(hash[:]), nil
}

// hashToken creates a SHA256 hash of a token
func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// CreateSession issues a new session token for a verified wallet.
func CreateSession(ctx context.Context, wallet string) (string, error) {
	token, tokenHash, err := generateSessionToken()
	if err != nil {
		return "", err
	}

	_, err = config.PgPool.Exec(ctx, `
		INSERT INTO auth_sessions (wallet_address, token_hash, expires_at)
		VALUES ($1, $2, $3)
	`, wallet, tokenHash, time.Now().Add(sessionTokenLifetime))
	if err != nil {
		return "", err
	}
	return token, nil
}

// RevokeSession invalidates a session token.
func RevokeSession(ctx context.Context, token string) error {
	_, err := config.PgPool.Exec(ctx, `
		UPDATE auth_sessions SET revoked = TRUE WHERE token_hash = $1
	`, hashToken(token))
	return err
}

// walletByToken resolves a token to the wallet it authenticates.
func walletByToken(ctx context.Context, token string) (string, error) {
	var wallet string
	err := config.PgPool.QueryRow(ctx, `
		SELECT wallet_address FROM auth_sessions
		WHERE token_hash = $1 AND NOT revoked AND expires_at > NOW()
	`, hashToken(token)).Scan(&wallet)
	if err != nil {
		return "", err
	}
	return wallet, nil
}

// RequireSession authenticates the bearer token and places the verified
// wallet in the request context. Identity never comes from request bodies:
// handlers downstream must read it from the context only.
func RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || len(token) < minTokenLength {
			metrics.AuthFailuresTotal.WithLabelValues("malformed").Inc()
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or malformed bearer token")
			return
		}

		wallet, err := walletByToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				metrics.AuthFailuresTotal.WithLabelValues("unknown").Inc()
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired session")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to verify session")
			return
		}

		ctx := context.WithValue(r.Context(), walletContextKey{}, wallet)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
