package escalation

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/miradorstack/mirador-triage/internal/models"
)

// SignatureHeader carries the hex HMAC-SHA256 of the envelope content.
const SignatureHeader = "X-Triage-Signature"

const algXChaCha = "xchacha20poly1305"

// TicketMeta is the cleartext header of every envelope.
type TicketMeta struct {
	TicketID    string          `json:"ticketId"`
	IncidentID  string          `json:"incidentId"`
	TenantID    string          `json:"tenantId"`
	Priority    models.Priority `json:"priority"`
	SubmittedAt time.Time       `json:"submittedAt"`
}

// Envelope is the wire body sent to the provider. Exactly one of Payload or Ciphertext is set.
type Envelope struct {
	Ticket     TicketMeta      `json:"ticket"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Ciphertext string          `json:"ciphertext,omitempty"`
	Nonce      string          `json:"nonce,omitempty"`
	Algorithm  string          `json:"algorithm,omitempty"`
	Signature  string          `json:"signature"`
}

// Sealer signs and optionally encrypts payloads.
type Sealer struct {
	signingKey []byte
	aead       cipher.AEAD
}

// NewSealer builds a sealer. encryptionKey, when set, must be base64 of 32 bytes.
func NewSealer(signingKey, encryptionKey string) (*Sealer, error) {
	if signingKey == "" {
		return nil, errors.New("provider signing key is required")
	}
	s := &Sealer{signingKey: []byte(signingKey)}
	if encryptionKey == "" {
		return s, nil
	}
	key, err := base64.StdEncoding.DecodeString(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init encryption: %w", err)
	}
	s.aead = aead
	return s, nil
}

// Encrypts reports whether payloads are encrypted.
func (s *Sealer) Encrypts() bool { return s.aead != nil }

// Seal builds the envelope for payload and returns its encoding plus the signature.
func (s *Sealer) Seal(meta TicketMeta, payload []byte) ([]byte, string, error) {
	env := Envelope{Ticket: meta}
	content := payload
	if s.aead != nil {
		nonce := make([]byte, s.aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return nil, "", fmt.Errorf("generate nonce: %w", err)
		}
		sealed := s.aead.Seal(nil, nonce, payload, []byte(meta.TicketID))
		env.Ciphertext = base64.StdEncoding.EncodeToString(sealed)
		env.Nonce = base64.StdEncoding.EncodeToString(nonce)
		env.Algorithm = algXChaCha
		content = []byte(env.Ciphertext)
	} else {
		env.Payload = json.RawMessage(payload)
	}
	env.Signature = s.sign(meta.TicketID, content)

	body, err := json.Marshal(env)
	if err != nil {
		return nil, "", fmt.Errorf("encode envelope: %w", err)
	}
	return body, env.Signature, nil
}

// Open verifies and decrypts an envelope produced by Seal.
func (s *Sealer) Open(body []byte) (Envelope, []byte, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, nil, fmt.Errorf("decode envelope: %w", err)
	}
	content := []byte(env.Payload)
	if env.Ciphertext != "" {
		content = []byte(env.Ciphertext)
	}
	want := s.sign(env.Ticket.TicketID, content)
	if !hmac.Equal([]byte(want), []byte(env.Signature)) {
		return env, nil, errors.New("envelope signature mismatch")
	}
	if env.Ciphertext == "" {
		return env, []byte(env.Payload), nil
	}
	if s.aead == nil {
		return env, nil, errors.New("envelope is encrypted but no key is configured")
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return env, nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return env, nil, fmt.Errorf("decode nonce: %w", err)
	}
	plain, err := s.aead.Open(nil, nonce, sealed, []byte(env.Ticket.TicketID))
	if err != nil {
		return env, nil, fmt.Errorf("decrypt payload: %w", err)
	}
	return env, plain, nil
}

func (s *Sealer) sign(ticketID string, content []byte) string {
	mac := hmac.New(sha256.New, s.signingKey)
	mac.Write([]byte(ticketID))
	mac.Write([]byte{'.'})
	mac.Write(content)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignResponse returns the signature a provider sends with a response body.
func (s *Sealer) SignResponse(body []byte) string {
	return s.sign("response", body)
}

// VerifyResponse checks the signature of an inbound provider response.
func (s *Sealer) VerifyResponse(body []byte, signature string) bool {
	return hmac.Equal([]byte(s.SignResponse(body)), []byte(signature))
}
