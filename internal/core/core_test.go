package core

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// ERROR KINDS
// ============================================================================

func TestErrorChainCarriesKind(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindUpstreamFailed, cause, "comfydeploy submit")

	wrapped := fmt.Errorf("executing generation: %w", err)

	assert.Equal(t, KindUpstreamFailed, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindUpstreamFailed))
	assert.False(t, IsKind(wrapped, KindNotFound))
	assert.ErrorIs(t, wrapped, cause)
}

func TestKindOfUnclassifiedDefaultsToUpstream(t *testing.T) {
	assert.Equal(t, KindUpstreamFailed, KindOf(errors.New("plain")))
}

func TestMessageStripsKindPrefix(t *testing.T) {
	err := E(KindInvalidInput, "toolId is required")
	assert.Equal(t, "toolId is required", Message(err))
	assert.Equal(t, "INVALID_INPUT: toolId is required", err.Error())

	plain := errors.New("opaque failure")
	assert.Equal(t, "opaque failure", Message(plain))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindInvalidInput:         http.StatusBadRequest,
		KindNotFound:             http.StatusNotFound,
		KindConflict:             http.StatusConflict,
		KindUnauthorized:         http.StatusUnauthorized,
		KindInsufficientFunds:    http.StatusPaymentRequired,
		KindPaymentRequired:      http.StatusPaymentRequired,
		KindPaymentAlreadyUsed:   http.StatusPaymentRequired,
		KindRateLimited:          http.StatusTooManyRequests,
		KindTimeout:              http.StatusGatewayTimeout,
		KindUpstreamFailed:       http.StatusBadGateway,
		KindCostSettlementFailed: http.StatusInternalServerError,
		KindStorageUnavailable:   http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), string(kind))
	}
}

// ============================================================================
// API KEYS
// ============================================================================

func TestMintAPIKeyShape(t *testing.T) {
	secret, prefix, hash := MintAPIKey()

	require.True(t, strings.HasPrefix(secret, "sat_"))
	assert.Len(t, secret, 4+48) // sat_ + 24 bytes hex
	assert.Equal(t, secret[:12], prefix)
	assert.Equal(t, HashAPIKey(secret), hash)
	assert.NotContains(t, hash, "sat_")
}

func TestMintAPIKeyUnique(t *testing.T) {
	a, _, _ := MintAPIKey()
	b, _, _ := MintAPIKey()
	assert.NotEqual(t, a, b)
}

func TestKeyPrefixShortInput(t *testing.T) {
	assert.Equal(t, "sat_x", KeyPrefix("sat_x"))
}

// ============================================================================
// IDS & SLUGS
// ============================================================================

func TestNewIDHex(t *testing.T) {
	id := NewID()
	assert.Len(t, id, 24)
	assert.NotEqual(t, id, NewID())
}

func TestNowMillisecondPrecision(t *testing.T) {
	now := Now()
	assert.Equal(t, time.UTC, now.Location())
	assert.Zero(t, now.Nanosecond()%int(time.Millisecond))
}

func TestSlugify(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Neon Dream XL", "neon-dream-xl"},
		{"  Fluffy_Cat v2!  ", "fluffy-cat-v2"},
		{"--already--slugged--", "already-slugged"},
		{"ÜBER style", "ber-style"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Slugify(tc.in), tc.in)
	}
}
