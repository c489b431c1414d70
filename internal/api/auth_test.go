package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"label-print-service/internal/session"
)

func TestAdminAuth_Credentials(t *testing.T) {
	auth, err := NewAdminAuth("admin", "1234", "admin", time.Minute)
	require.NoError(t, err)

	assert.True(t, auth.CheckLogin("admin", "1234"))
	assert.False(t, auth.CheckLogin("admin", "12345"))
	assert.False(t, auth.CheckLogin("root", "1234"))
	assert.True(t, auth.CheckShutdown("admin"))
	assert.False(t, auth.CheckShutdown("1234"))
}

func TestAdminAuth_AcceptsHashes(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3nha"), bcrypt.MinCost)
	require.NoError(t, err)

	auth, err := NewAdminAuth("gerente", string(hash), string(hash), time.Minute)
	require.NoError(t, err)
	assert.True(t, auth.CheckLogin("gerente", "s3nha"))
	assert.False(t, auth.CheckLogin("gerente", string(hash)))
}

func TestAdminAuth_SessionExpiry(t *testing.T) {
	auth, err := NewAdminAuth("admin", "1234", "admin", 5*time.Minute)
	require.NoError(t, err)
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	auth.now = func() time.Time { return now }

	sess := &session.Session{ID: "s1"}
	assert.False(t, auth.IsAdmin(sess))
	assert.False(t, auth.IsAdmin(nil))

	auth.Login(sess)
	now = now.Add(4 * time.Minute)
	assert.True(t, auth.IsAdmin(sess), "activity within the ttl keeps the session")

	now = now.Add(4 * time.Minute)
	assert.True(t, auth.IsAdmin(sess), "expiry slides with every check")

	now = now.Add(6 * time.Minute)
	assert.False(t, auth.IsAdmin(sess))
	assert.Empty(t, sess.Get(adminSessionKey))

	auth.Login(sess)
	auth.Logout(sess)
	assert.False(t, auth.IsAdmin(sess))
}
