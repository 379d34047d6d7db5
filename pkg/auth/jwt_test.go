package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/config"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain"
)

func newManager() *JWTManager {
	return NewJWTManager(config.JWTConfig{
		Secret:         "0123456789abcdef0123456789abcdef",
		AccessTokenTTL: time.Minute,
		Issuer:         "osteosync-test",
	})
}

func TestAccessTokenRoundTrip(t *testing.T) {
	m := newManager()

	token, expiresAt, err := m.GenerateAccessToken(&domain.Claims{UserID: "osteo-1", Email: "a@b.c", Role: domain.RolePractitioner})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), expiresAt, 5*time.Second)

	claims, err := m.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "osteo-1", claims.UserID)
	assert.Equal(t, domain.RolePractitioner, claims.Role)

	_, err = m.ValidateApproval(token)
	assert.ErrorIs(t, err, ErrTokenTypeMismatch)
}

func TestApprovalToken(t *testing.T) {
	m := newManager()

	token, err := m.IssueApproval("admin-1", "abc123", time.Minute)
	require.NoError(t, err)

	approval, err := m.ValidateApproval(token)
	require.NoError(t, err)
	assert.Equal(t, "admin-1", approval.Subject)
	assert.Equal(t, "abc123", approval.Digest)

	_, err = m.ValidateAccessToken(token)
	assert.ErrorIs(t, err, ErrTokenTypeMismatch)
}

func TestRejectedTokens(t *testing.T) {
	m := newManager()

	token, err := m.IssueApproval("admin-1", "abc123", time.Minute)
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = m.ValidateApproval(token)
	assert.ErrorIs(t, err, ErrTokenExpired)

	other := NewJWTManager(config.JWTConfig{Secret: "another-secret-another-secret-xx", Issuer: "osteosync-test"})
	_, err = other.ValidateApproval(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = newManager().ValidateAccessToken("not-a-token")
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = m.IssueApproval("", "abc", time.Minute)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
