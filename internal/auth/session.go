package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const cookieName = "tempbox_session"

// Session is the ephemeral identity carried by the browser cookie: the one
// mailbox address bound to the caller, plus the admin capability flag.
type Session struct {
	Email string
	Admin bool
}

type Manager struct {
	secret []byte
	maxAge time.Duration
}

func New(secret string, maxAge time.Duration) (*Manager, error) {
	if strings.TrimSpace(secret) == "" {
		generated := make([]byte, 32)
		if _, err := rand.Read(generated); err != nil {
			return nil, fmt.Errorf("generate auth secret: %w", err)
		}
		secret = base64.RawURLEncoding.EncodeToString(generated)
	}
	return &Manager{secret: []byte(secret), maxAge: maxAge}, nil
}

func (m *Manager) CookieName() string {
	return cookieName
}

func (m *Manager) MaxAge() time.Duration {
	return m.maxAge
}

func (m *Manager) Issue(session Session, now time.Time) (string, error) {
	if strings.Contains(session.Email, "|") {
		return "", errors.New("invalid session email")
	}
	admin := "0"
	if session.Admin {
		admin = "1"
	}
	payload := session.Email + "|" + admin + "|" + strconv.FormatInt(now.Unix(), 10)
	token := payload + "|" + m.sign(payload)
	return base64.RawURLEncoding.EncodeToString([]byte(token)), nil
}

func (m *Manager) Parse(token string, now time.Time) (Session, error) {
	if token == "" {
		return Session{}, errors.New("missing session token")
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Session{}, errors.New("invalid session token")
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 4 {
		return Session{}, errors.New("invalid session token")
	}
	payload := strings.Join(parts[:3], "|")
	if !m.verify(payload, parts[3]) {
		return Session{}, errors.New("invalid session token")
	}
	timestamp, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Session{}, errors.New("invalid session token")
	}
	if now.Sub(time.Unix(timestamp, 0)) > m.maxAge {
		return Session{}, errors.New("session expired")
	}
	return Session{
		Email: strings.ToLower(strings.TrimSpace(parts[0])),
		Admin: parts[1] == "1",
	}, nil
}

func (m *Manager) sign(payload string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (m *Manager) verify(payload, signature string) bool {
	expected := m.sign(payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}
