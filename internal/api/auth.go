package api

import (
	"crypto/subtle"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/crypto/bcrypt"

	"label-print-service/internal/session"
)

// adminSessionKey holds the unix time of the last authenticated admin request.
const adminSessionKey = "admin_at"

// AdminAuth checks admin and shutdown credentials. Passwords are kept as bcrypt hashes.
type AdminAuth struct {
	Username     string
	passwordHash []byte
	shutdownHash []byte
	TTL          time.Duration
	now          func() time.Time
}

// NewAdminAuth accepts either bcrypt hashes or plain passwords, hashing the latter.
func NewAdminAuth(username, password, shutdownPassword string, ttl time.Duration) (*AdminAuth, error) {
	ph, err := hashSecret(password)
	if err != nil {
		return nil, fmt.Errorf("admin password: %w", err)
	}
	sh, err := hashSecret(shutdownPassword)
	if err != nil {
		return nil, fmt.Errorf("shutdown password: %w", err)
	}
	return &AdminAuth{Username: username, passwordHash: ph, shutdownHash: sh, TTL: ttl, now: time.Now}, nil
}

func hashSecret(secret string) ([]byte, error) {
	if _, err := bcrypt.Cost([]byte(secret)); err == nil {
		return []byte(secret), nil
	}
	return bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
}

// CheckLogin reports whether username and password match the admin account.
func (a *AdminAuth) CheckLogin(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.Username)) == 1
	passOK := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)) == nil
	return userOK && passOK
}

// CheckShutdown reports whether password is the shutdown password.
func (a *AdminAuth) CheckShutdown(password string) bool {
	return bcrypt.CompareHashAndPassword(a.shutdownHash, []byte(password)) == nil
}

// Login marks sess as authenticated.
func (a *AdminAuth) Login(sess *session.Session) {
	sess.Set(adminSessionKey, strconv.FormatInt(a.now().Unix(), 10))
}

// Logout clears the admin mark.
func (a *AdminAuth) Logout(sess *session.Session) {
	sess.Delete(adminSessionKey)
}

// IsAdmin reports whether sess logged in within the TTL. An active session slides the
// expiry forward.
func (a *AdminAuth) IsAdmin(sess *session.Session) bool {
	if sess == nil {
		return false
	}
	at, err := strconv.ParseInt(sess.Get(adminSessionKey), 10, 64)
	if err != nil {
		return false
	}
	if a.now().Sub(time.Unix(at, 0)) > a.TTL {
		sess.Delete(adminSessionKey)
		return false
	}
	a.Login(sess)
	return true
}
