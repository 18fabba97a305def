// Package auth issues single-use publish tokens that the ingest server
// checks when token publishing is enabled.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired or already used")
	ErrWrongStream  = errors.New("token not valid for this stream")
)

// Token authorizes one publish of a stream key
type Token struct {
	Token       string
	StreamKey   string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	PublisherIP string // address the token was requested from
	Used        bool
}

func (t *Token) valid(now time.Time) bool {
	return !t.Used && now.Before(t.ExpiresAt)
}

// Manager handles publish tokens
type Manager struct {
	mu     sync.Mutex
	tokens map[string]*Token // token -> Token

	defaultExpiration time.Duration
	maxExpiration     time.Duration
	log               logrus.FieldLogger
	now               func() time.Time
}

// New creates a token manager. Zero expirations default to 1h and 24h.
func New(defaultExpiration, maxExpiration time.Duration, logger logrus.FieldLogger) *Manager {
	if defaultExpiration <= 0 {
		defaultExpiration = time.Hour
	}
	if maxExpiration <= 0 {
		maxExpiration = 24 * time.Hour
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		tokens:            make(map[string]*Token),
		defaultExpiration: defaultExpiration,
		maxExpiration:     maxExpiration,
		log:               logger.WithField("component", "auth"),
		now:               time.Now,
	}
}

// GeneratePublishToken creates a token for streamKey. expiresIn <= 0 uses
// the default expiration; longer requests are capped.
func (m *Manager) GeneratePublishToken(streamKey string, expiresIn time.Duration, publisherIP string) (*Token, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	expiration := expiresIn
	if expiration <= 0 {
		expiration = m.defaultExpiration
	}
	if expiration > m.maxExpiration {
		expiration = m.maxExpiration
	}

	now := m.now()
	token := &Token{
		Token:       hex.EncodeToString(tokenBytes),
		StreamKey:   streamKey,
		CreatedAt:   now,
		ExpiresAt:   now.Add(expiration),
		PublisherIP: publisherIP,
	}

	m.mu.Lock()
	m.removeExpiredLocked(now)
	m.tokens[token.Token] = token
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"stream_key": streamKey, "expires_at": token.ExpiresAt}).Debug("publish token issued")
	return token, nil
}

// Authorize checks that token may publish streamKey without using it up
func (m *Manager) Authorize(token, streamKey, publisherIP string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.checkLocked(token, streamKey)
	return err
}

// Consume checks token again and marks it used. It is called once the
// publish has been accepted; only one caller can consume a token.
func (m *Manager) Consume(token, streamKey, publisherIP string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.checkLocked(token, streamKey)
	if err != nil {
		return err
	}
	t.Used = true
	m.log.WithFields(logrus.Fields{"stream_key": streamKey, "remote": publisherIP}).Debug("publish token used")
	return nil
}

func (m *Manager) checkLocked(token, streamKey string) (*Token, error) {
	t, exists := m.tokens[token]
	if !exists {
		return nil, ErrInvalidToken
	}
	if !t.valid(m.now()) {
		return nil, ErrTokenExpired
	}
	if t.StreamKey != streamKey {
		return nil, ErrWrongStream
	}
	return t, nil
}

// RevokeToken revokes a token
func (m *Manager) RevokeToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, token)
}

// CleanupExpiredTokens removes expired and used tokens
func (m *Manager) CleanupExpiredTokens() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeExpiredLocked(m.now())
}

func (m *Manager) removeExpiredLocked(now time.Time) {
	for key, t := range m.tokens {
		if !t.valid(now) {
			delete(m.tokens, key)
		}
	}
}

// GetTokenCount returns the number of stored tokens
func (m *Manager) GetTokenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}
