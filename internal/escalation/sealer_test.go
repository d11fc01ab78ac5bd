package escalation

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-triage/internal/models"
)

var testKey = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32))

func testMeta() TicketMeta {
	return TicketMeta{
		TicketID:    "t-1",
		IncidentID:  "inc-1",
		TenantID:    "acme",
		Priority:    models.PriorityP2,
		SubmittedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSealSignsPlainPayload(t *testing.T) {
	s, err := NewSealer("secret", "")
	require.NoError(t, err)
	assert.False(t, s.Encrypts())

	body, sig, err := s.Seal(testMeta(), []byte(`{"incident":"inc-1"}`))
	require.NoError(t, err)
	assert.Len(t, sig, 64)

	var env Envelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.JSONEq(t, `{"incident":"inc-1"}`, string(env.Payload))
	assert.Empty(t, env.Ciphertext)

	_, plain, err := s.Open(body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"incident":"inc-1"}`, string(plain))
}

func TestSealEncryptsPayload(t *testing.T) {
	s, err := NewSealer("secret", testKey)
	require.NoError(t, err)
	require.True(t, s.Encrypts())

	body, _, err := s.Seal(testMeta(), []byte(`{"incident":"inc-1"}`))
	require.NoError(t, err)
	assert.NotContains(t, string(body), `"incident":"inc-1"`)

	var env Envelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, algXChaCha, env.Algorithm)
	assert.NotEmpty(t, env.Nonce)
	assert.Empty(t, env.Payload)

	_, plain, err := s.Open(body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"incident":"inc-1"}`, string(plain))
}

func TestOpenRejectsTamperedEnvelope(t *testing.T) {
	s, err := NewSealer("secret", "")
	require.NoError(t, err)
	body, _, err := s.Seal(testMeta(), []byte(`{"severity":"low"}`))
	require.NoError(t, err)

	tampered := bytes.Replace(body, []byte(`low`), []byte(`high`), 1)
	_, _, err = s.Open(tampered)
	assert.ErrorContains(t, err, "signature")

	other, err := NewSealer("different", "")
	require.NoError(t, err)
	_, _, err = other.Open(body)
	assert.Error(t, err)
}

func TestNewSealerValidatesKeys(t *testing.T) {
	_, err := NewSealer("", "")
	assert.Error(t, err)
	_, err = NewSealer("secret", "not-base64!")
	assert.Error(t, err)
	_, err = NewSealer("secret", base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}

func TestVerifyResponse(t *testing.T) {
	s, err := NewSealer("secret", "")
	require.NoError(t, err)
	body := []byte(`{"ticketId":"PRV-1","type":"acknowledgment"}`)
	sig := s.SignResponse(body)

	assert.True(t, s.VerifyResponse(body, sig))
	assert.False(t, s.VerifyResponse(append(body, ' '), sig))
	assert.False(t, s.VerifyResponse(body, ""))
}
