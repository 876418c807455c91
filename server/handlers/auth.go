package handlers

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mr-tron/base58"
)

// nonceLifetime bounds how long a login challenge stays valid.
const nonceLifetime = 5 * time.Minute

// WalletNonceRequest asks for a login challenge.
type WalletNonceRequest struct {
	PublicKey string `json:"public_key"`
}

// WalletNonceResponse carries the challenge the wallet must sign.
type WalletNonceResponse struct {
	Nonce string `json:"nonce"`
}

// WalletAuthRequest is the signed login challenge.
type WalletAuthRequest struct {
	PublicKey string `json:"public_key"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

// WalletAuthResponse carries the issued session token.
type WalletAuthResponse struct {
	Token  string `json:"token"`
	Wallet string `json:"wallet"`
}

// nonceStore keeps outstanding login challenges. Challenges are single-use
// and short-lived, so memory is fine; a restart just forces a fresh login.
type nonceStore struct {
	mu     sync.Mutex
	nonces map[string]nonceEntry // key: wallet address
}

type nonceEntry struct {
	nonce     string
	expiresAt time.Time
}

var loginNonces = &nonceStore{nonces: make(map[string]nonceEntry)}

func (s *nonceStore) issue(wallet string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	nonce := hex.EncodeToString(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonces[wallet] = nonceEntry{nonce: nonce, expiresAt: time.Now().Add(nonceLifetime)}
	return nonce, nil
}

// consume returns and invalidates the outstanding nonce for a wallet.
func (s *nonceStore) consume(wallet string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.nonces[wallet]
	if !ok {
		return "", false
	}
	delete(s.nonces, wallet)
	if time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.nonce, true
}

// WalletNonce issues a login challenge for a wallet.
func WalletNonce(w http.ResponseWriter, r *http.Request) {
	var req WalletNonceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PublicKey == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "public_key is required")
		return
	}
	if _, err := decodePublicKey(req.PublicKey); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	nonce, err := loginNonces.issue(req.PublicKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to generate nonce")
		return
	}
	writeJSON(w, http.StatusOK, WalletNonceResponse{Nonce: nonce})
}

// WalletAuth verifies the signed challenge and issues a session token.
func WalletAuth(w http.ResponseWriter, r *http.Request) {
	var req WalletAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.PublicKey == "" || req.Message == "" || req.Signature == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "public_key, message and signature are required")
		return
	}

	nonce, ok := loginNonces.consume(req.PublicKey)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no outstanding login challenge for wallet")
		return
	}
	if !strings.Contains(req.Message, nonce) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "signed message does not contain the challenge")
		return
	}

	valid, err := verifyEd25519Signature(req.PublicKey, req.Message, req.Signature)
	if err != nil || !valid {
		writeError(w, http.StatusUnauthorized, "unauthorized", "signature verification failed")
		return
	}

	token, err := CreateSession(r.Context(), req.PublicKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create session")
		return
	}
	writeJSON(w, http.StatusOK, WalletAuthResponse{Token: token, Wallet: req.PublicKey})
}

// Logout revokes the presented session token.
func Logout(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing bearer token")
		return
	}
	if err := RevokeSession(r.Context(), token); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to revoke session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodePublicKey(publicKeyBase58 string) (ed25519.PublicKey, error) {
	publicKeyBytes, err := base58.Decode(publicKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	if len(publicKeyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size: expected %d, got %d", ed25519.PublicKeySize, len(publicKeyBytes))
	}
	return ed25519.PublicKey(publicKeyBytes), nil
}

// verifyEd25519Signature verifies a wallet signature over the login
// message. Wallet bridges hand the signature back as base64 in one of
// several flavors, or base58.
func verifyEd25519Signature(publicKeyBase58, message, signature string) (bool, error) {
	publicKey, err := decodePublicKey(publicKeyBase58)
	if err != nil {
		return false, err
	}

	signatureBytes, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		signatureBytes, err = base64.URLEncoding.DecodeString(signature)
		if err != nil {
			signatureBytes, err = base64.RawStdEncoding.DecodeString(signature)
			if err != nil {
				signatureBytes, err = base58.Decode(signature)
				if err != nil {
					return false, fmt.Errorf("failed to decode signature: %w", err)
				}
			}
		}
	}
	if len(signatureBytes) != ed25519.SignatureSize {
		return false, fmt.Errorf("invalid signature size: expected %d, got %d", ed25519.SignatureSize, len(signatureBytes))
	}

	return ed25519.Verify(publicKey, []byte(message), signatureBytes), nil
}
