package service

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/SessionForge/internal/config"
)

// TicketService mints and verifies the short-lived credentials for both
// WebSocket surfaces: HMAC-signed stream tickets bound to a session id, and
// random ingest tokens stored hashed on the execution row.
type TicketService struct {
	secret []byte
	ttl    time.Duration

	now func() time.Time // injectable for tests
}

// NewTicketService creates a ticket service from config.
func NewTicketService(cfg config.Tickets) *TicketService {
	return &TicketService{
		secret: []byte(cfg.Secret),
		ttl:    cfg.TTL,
		now:    time.Now,
	}
}

// ticketClaims is the signed payload of a stream ticket.
type ticketClaims struct {
	SessionID string `json:"session_id"`
	Expiry    int64  `json:"expiry"`
	Nonce     string `json:"nonce"`
}

// MintStreamTicket issues a ticket for one session's stream surface. The
// ticket is payload.signature, both base64url without padding.
func (t *TicketService) MintStreamTicket(sessionID string) (string, time.Time, error) {
	if sessionID == "" {
		return "", time.Time{}, errors.New("session id is required")
	}
	nonce, err := generateRandomToken(8)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate nonce: %w", err)
	}
	expiresAt := t.now().Add(t.ttl)
	claims := ticketClaims{
		SessionID: sessionID,
		Expiry:    expiresAt.Unix(),
		Nonce:     nonce,
	}
	data, err := json.Marshal(claims)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("marshal ticket claims: %w", err)
	}
	payload := base64URLEncode(data)
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(payload))
	sig := base64URLEncode(mac.Sum(nil))
	return payload + "." + sig, expiresAt, nil
}

// VerifyStreamTicket checks a ticket's signature, session binding, and
// expiry. The signature is checked before the payload is decoded, so a
// forged ticket never reaches the JSON parser.
func (t *TicketService) VerifyStreamTicket(sessionID, ticket string) error {
	parts := strings.Split(ticket, ".")
	if len(parts) != 2 {
		return errors.New("malformed ticket")
	}
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(parts[0]))
	expected := base64URLEncode(mac.Sum(nil))
	if !hmac.Equal([]byte(parts[1]), []byte(expected)) {
		return errors.New("invalid ticket signature")
	}
	data, err := base64URLDecode(parts[0])
	if err != nil {
		return fmt.Errorf("decode ticket payload: %w", err)
	}
	var claims ticketClaims
	if err := json.Unmarshal(data, &claims); err != nil {
		return fmt.Errorf("parse ticket claims: %w", err)
	}
	if claims.SessionID != sessionID {
		return errors.New("ticket not valid for this session")
	}
	if t.now().Unix() >= claims.Expiry {
		return errors.New("ticket expired")
	}
	return nil
}

// MintIngestToken returns a fresh wrapper bearer token and its SHA-256 hash.
// Only the hash is persisted; the plaintext goes into the wrapper
// environment once and is never stored.
func (t *TicketService) MintIngestToken() (token, hash string, err error) {
	token, err = generateRandomToken(32)
	if err != nil {
		return "", "", fmt.Errorf("generate ingest token: %w", err)
	}
	return token, hashSHA256(token), nil
}

// HashToken hashes a presented ingest token for comparison against the
// stored hash.
func (t *TicketService) HashToken(token string) string {
	return hashSHA256(token)
}

// --- Helpers ---

func base64URLEncode(data []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(data), "=")
}

func base64URLDecode(s string) ([]byte, error) {
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	return base64.URLEncoding.DecodeString(s)
}

func hashSHA256(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func generateRandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
