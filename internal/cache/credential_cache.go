package cache

import (
	"strings"
	"time"
)

const (
	defaultSecretTTL    = time.Minute
	defaultPublicKeyTTL = 10 * time.Minute
)

// CredentialCache stores resolved webhook secrets and public keys on the
// verification hot path. Entries are short-lived so credential rotation
// takes effect within a minute without a restart.
type CredentialCache interface {
	GetSecrets(partner, origin string) ([]string, bool)
	SetSecrets(partner, origin string, secrets []string)
	GetPublicKeys(partner, origin string) ([]string, bool)
	SetPublicKeys(partner, origin string, keys []string)
	Invalidate(partner, origin string)
}

type credentialCache struct {
	secrets Cache[string, []string]
	keys    Cache[string, []string]

	secretTTL time.Duration
	keyTTL    time.Duration
}

func NewCredentialCache() CredentialCache {
	return &credentialCache{
		secrets:   NewTTLCache[string, []string](),
		keys:      NewTTLCache[string, []string](),
		secretTTL: defaultSecretTTL,
		keyTTL:    defaultPublicKeyTTL,
	}
}

func (c *credentialCache) GetSecrets(partner, origin string) ([]string, bool) {
	return c.secrets.Get(cacheKey(partner, origin))
}

func (c *credentialCache) SetSecrets(partner, origin string, secrets []string) {
	c.secrets.Set(cacheKey(partner, origin), secrets, c.secretTTL)
}

func (c *credentialCache) GetPublicKeys(partner, origin string) ([]string, bool) {
	return c.keys.Get(cacheKey(partner, origin))
}

func (c *credentialCache) SetPublicKeys(partner, origin string, keys []string) {
	c.keys.Set(cacheKey(partner, origin), keys, c.keyTTL)
}

func (c *credentialCache) Invalidate(partner, origin string) {
	key := cacheKey(partner, origin)
	c.secrets.Delete(key)
	c.keys.Delete(key)
}

func cacheKey(parts ...string) string {
	for i, part := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(part))
	}
	return strings.Join(parts, "|")
}
