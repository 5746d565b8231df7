package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	accountdomain "github.com/orderpulse/orderpulse/internal/account/domain"
	"github.com/orderpulse/orderpulse/internal/cache"
	"github.com/orderpulse/orderpulse/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

var (
	ErrEncryptionKeyMissing = errors.New("encryption_key_missing")
	ErrInvalidCredentials   = errors.New("invalid_credentials")
)

var Module = fx.Module("credentials",
	fx.Provide(cache.NewCredentialCache),
	fx.Provide(NewService),
)

// Service resolves the secret material used to verify inbound webhooks.
type Service interface {
	// CandidateSecrets returns every webhook secret that may have signed a
	// delivery for (partner, origin): account-level secrets first, the
	// environment fallback last. Order matters; callers try each in turn.
	CandidateSecrets(ctx context.Context, partner, origin string) ([]string, error)
	// PublicKeys returns the candidate PEM public keys for partners that
	// sign asymmetrically.
	PublicKeys(ctx context.Context, partner, origin string) ([]string, error)
}

type encryptedPayload struct {
	Version    int    `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type Params struct {
	fx.In

	Cfg      config.Config
	Accounts accountdomain.Repository
	Cache    cache.CredentialCache `optional:"true"`
	Log      *zap.Logger
}

type service struct {
	cfg      config.Config
	accounts accountdomain.Repository
	cache    cache.CredentialCache
	log      *zap.Logger
	encKey   []byte
}

func NewService(p Params) Service {
	secret := strings.TrimSpace(p.Cfg.CredentialKey)
	var key []byte
	if secret != "" {
		sum := sha256.Sum256([]byte(secret))
		key = sum[:]
	}

	return &service{
		cfg:      p.Cfg,
		accounts: p.Accounts,
		cache:    p.Cache,
		log:      p.Log.Named("credentials"),
		encKey:   key,
	}
}

func (s *service) CandidateSecrets(ctx context.Context, partner, origin string) ([]string, error) {
	if s.cache != nil {
		if secrets, ok := s.cache.GetSecrets(partner, origin); ok {
			return secrets, nil
		}
	}

	accounts, err := s.accounts.ListActive(ctx, partner, origin)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var secrets []string
	appendSecret := func(secret string) {
		secret = strings.TrimSpace(secret)
		if secret == "" {
			return
		}
		if _, dup := seen[secret]; dup {
			return
		}
		seen[secret] = struct{}{}
		secrets = append(secrets, secret)
	}

	for _, account := range accounts {
		creds, err := s.decrypt(account.Credentials)
		if err != nil {
			if errors.Is(err, ErrEncryptionKeyMissing) {
				return nil, err
			}
			s.log.Warn("skipping undecryptable account credentials",
				zap.String("partner", partner),
				zap.String("origin", origin),
				zap.Int64("account_id", int64(account.ID)),
			)
			continue
		}
		if secret, ok := creds["webhook_secret"].(string); ok {
			appendSecret(secret)
		}
	}

	appendSecret(s.envFallback(partner))
	if s.cache != nil {
		s.cache.SetSecrets(partner, origin, secrets)
	}
	return secrets, nil
}

func (s *service) PublicKeys(ctx context.Context, partner, origin string) ([]string, error) {
	if s.cache != nil {
		if keys, ok := s.cache.GetPublicKeys(partner, origin); ok {
			return keys, nil
		}
	}

	accounts, err := s.accounts.ListActive(ctx, partner, origin)
	if err != nil {
		return nil, err
	}

	var keys []string
	for _, account := range accounts {
		if pem := strings.TrimSpace(account.PublicKeyPEM); pem != "" {
			keys = append(keys, pem)
		}
	}
	if pem := strings.TrimSpace(s.cfg.AmazonPublicKeyPEM); pem != "" {
		keys = append(keys, pem)
	}
	if s.cache != nil {
		s.cache.SetPublicKeys(partner, origin, keys)
	}
	return keys, nil
}

func (s *service) envFallback(partner string) string {
	switch strings.ToLower(partner) {
	case "shopify":
		return s.cfg.ShopifyWebhookSecret
	case "flipkart":
		return s.cfg.FlipkartWebhookSecret
	case "selloship":
		return s.cfg.SelloshipWebhookSecret
	case "razorpay":
		return s.cfg.RazorpayWebhookSecret
	default:
		return ""
	}
}

func (s *service) decrypt(encrypted datatypes.JSON) (map[string]any, error) {
	if len(encrypted) == 0 {
		return nil, ErrInvalidCredentials
	}
	if len(s.encKey) == 0 {
		return nil, ErrEncryptionKeyMissing
	}

	var payload encryptedPayload
	if err := json.Unmarshal(encrypted, &payload); err != nil {
		return nil, ErrInvalidCredentials
	}
	if payload.Version != 1 {
		return nil, ErrInvalidCredentials
	}

	nonce, err := base64.RawStdEncoding.DecodeString(payload.Nonce)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	var out map[string]any
	if err := json.Unmarshal(plain, &out); err != nil {
		return nil, ErrInvalidCredentials
	}
	if len(out) == 0 {
		return nil, ErrInvalidCredentials
	}
	return out, nil
}

// Encrypt seals plaintext credentials for storage. Used by provisioning
// flows and tests.
func Encrypt(key []byte, creds map[string]any, nonce []byte) (datatypes.JSON, error) {
	if len(key) == 0 {
		return nil, ErrEncryptionKeyMissing
	}
	plain, err := json.Marshal(creds)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, ErrInvalidCredentials
	}
	sealed := gcm.Seal(nil, nonce, plain, nil)
	payload := encryptedPayload{
		Version:    1,
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawStdEncoding.EncodeToString(sealed),
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(out), nil
}

// DeriveKey hashes a configured secret into an AES-256 key.
func DeriveKey(secret string) []byte {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}
