// Package vapid owns the server's VAPID signing identity: loading the key
// pair and contact subject from configuration, validating them once, and
// caching the result so every send does not re-decode key material.
package vapid

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/SherClockHolmes/webpush-go"
)

var (
	ErrBadConfig         = errors.New("invalid VAPID configuration")
	ErrProductionKeygen  = errors.New("key generation is disabled in production")
	errMissingPublicKey  = fmt.Errorf("%w: public key is missing", ErrBadConfig)
	errMissingPrivateKey = fmt.Errorf("%w: private key is missing", ErrBadConfig)
	errMissingSubject    = fmt.Errorf("%w: subject is missing", ErrBadConfig)
)

const (
	publicKeyLen  = 65 // uncompressed P-256 point
	privateKeyLen = 32
	cacheTTL      = 5 * time.Minute
)

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

type Config struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

// Identity validates and caches the configured VAPID material. ClearCache
// supports key rotation without a process restart.
type Identity struct {
	mu       sync.Mutex
	raw      Config
	env      string
	cached   *Config
	cachedAt time.Time
	ttl      time.Duration
}

func NewIdentity(raw Config, env string) *Identity {
	return &Identity{raw: raw, env: env, ttl: cacheTTL}
}

// Load returns the validated configuration, revalidating at most once per
// cache window.
func (i *Identity) Load() (Config, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.cached != nil && time.Since(i.cachedAt) < i.ttl {
		return *i.cached, nil
	}

	cfg, err := validate(i.raw)
	if err != nil {
		return Config{}, err
	}
	i.cached = &cfg
	i.cachedAt = time.Now()
	return cfg, nil
}

func (i *Identity) IsValid() bool {
	_, err := i.Load()
	return err == nil
}

func (i *Identity) ClearCache() {
	i.mu.Lock()
	i.cached = nil
	i.mu.Unlock()
}

// GenerateKeyPair produces a fresh VAPID pair for development and staging.
// Production keys are provisioned out of band; generating them at runtime
// would silently invalidate every existing subscription.
func (i *Identity) GenerateKeyPair() (publicKey, privateKey string, err error) {
	if strings.EqualFold(i.env, "production") {
		return "", "", ErrProductionKeygen
	}
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("generate vapid keys: %w", err)
	}
	return pub, priv, nil
}

func validate(raw Config) (Config, error) {
	pub := strings.TrimSpace(raw.PublicKey)
	priv := strings.TrimSpace(raw.PrivateKey)
	subject := strings.TrimSpace(raw.Subject)

	if pub == "" {
		return Config{}, errMissingPublicKey
	}
	if priv == "" {
		return Config{}, errMissingPrivateKey
	}
	if subject == "" {
		return Config{}, errMissingSubject
	}

	pubBytes, err := decodeKey(pub)
	if err != nil {
		return Config{}, fmt.Errorf("%w: public key is not base64url: %v", ErrBadConfig, err)
	}
	if len(pubBytes) != publicKeyLen {
		return Config{}, fmt.Errorf("%w: public key decodes to %d bytes, want %d", ErrBadConfig, len(pubBytes), publicKeyLen)
	}
	if pubBytes[0] != 0x04 {
		return Config{}, fmt.Errorf("%w: public key is not an uncompressed EC point", ErrBadConfig)
	}

	privBytes, err := decodeKey(priv)
	if err != nil {
		return Config{}, fmt.Errorf("%w: private key is not base64url: %v", ErrBadConfig, err)
	}
	if len(privBytes) != privateKeyLen {
		return Config{}, fmt.Errorf("%w: private key decodes to %d bytes, want %d", ErrBadConfig, len(privBytes), privateKeyLen)
	}

	if !validSubject(subject) {
		return Config{}, fmt.Errorf("%w: subject must be an email or mailto: address", ErrBadConfig)
	}
	if !strings.HasPrefix(subject, "mailto:") {
		subject = "mailto:" + subject
	}

	return Config{PublicKey: pub, PrivateKey: priv, Subject: subject}, nil
}

func decodeKey(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

func validSubject(s string) bool {
	return emailRe.MatchString(strings.TrimPrefix(s, "mailto:"))
}
