package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceToken_RoundTrip(t *testing.T) {
	token, err := GenerateServiceToken("scheduler", "safereply", "secret", time.Minute)
	require.NoError(t, err)

	claims, err := ParseServiceToken(token, "safereply", "secret")
	require.NoError(t, err)
	assert.Equal(t, "scheduler", claims.Subject)
	assert.Equal(t, ScopeService, claims.Scope)
}

func TestServiceToken_Rejects(t *testing.T) {
	token, err := GenerateServiceToken("scheduler", "safereply", "secret", time.Minute)
	require.NoError(t, err)

	_, err = ParseServiceToken(token, "safereply", "other-secret")
	assert.Error(t, err)

	_, err = ParseServiceToken(token, "someone-else", "secret")
	assert.Error(t, err)

	expired, err := GenerateServiceToken("scheduler", "safereply", "secret", -time.Minute)
	require.NoError(t, err)
	_, err = ParseServiceToken(expired, "safereply", "secret")
	assert.Error(t, err)
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest("POST", "/poll/mail", nil)
	assert.Equal(t, "", ExtractToken(r))

	r.Header.Set("Authorization", "Bearer abc.def")
	assert.Equal(t, "abc.def", ExtractToken(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "", ExtractToken(r))
}
