package kvstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// CodeTTL is the lifetime of a verification code.
	CodeTTL = 5 * time.Minute
	// codeLength is the number of hex characters in a code.
	codeLength = 6

	verificationCodePrefix = "verification_code:"
	tokenPrefix            = "token:"
)

// verifyAndDeleteScript atomically compares the stored code and deletes it
// on a match, making verification single-use even under concurrent calls.
// Returns -1 when absent, 0 on mismatch, 1 on consume.
var verifyAndDeleteScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return -1 end
if v ~= ARGV[1] then return 0 end
redis.call('DEL', KEYS[1])
return 1
`)

// CodeKey returns the storage key for an email's verification code.
func CodeKey(email string) string {
	return verificationCodePrefix + email
}

// TokenKey returns the storage key for a token record.
func TokenKey(token string) string {
	return tokenPrefix + token
}

// GenerateAndStoreCode issues a verification code for email. If a live code
// already exists it is returned unchanged, so back-to-back requests are
// idempotent until the TTL elapses.
func (s *Store) GenerateAndStoreCode(ctx context.Context, email string) (string, error) {
	key := CodeKey(email)

	existing, err := s.Get(ctx, key)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return "", err
	}

	code := newCode()
	if err := s.Set(ctx, key, code, CodeTTL); err != nil {
		return "", err
	}
	s.logger.Debug().Str("email", email).Msg("verification code issued")
	return code, nil
}

// VerifyCode consumes the code stored for email. On success the code is
// deleted atomically; a second call returns ErrValueExpired.
func (s *Store) VerifyCode(ctx context.Context, email, code string) error {
	res, err := verifyAndDeleteScript.Run(ctx, s.client, []string{CodeKey(email)}, code).Int()
	if err != nil {
		return mapError(err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return ErrValueMismatch
	default:
		return ErrValueExpired
	}
}

// StoreToken records an active token mapped to its user uuid.
func (s *Store) StoreToken(ctx context.Context, token, userUUID string, ttl time.Duration) error {
	return s.Set(ctx, TokenKey(token), userUUID, ttl)
}

// LookupToken returns the user uuid for an active token.
func (s *Store) LookupToken(ctx context.Context, token string) (string, error) {
	return s.Get(ctx, TokenKey(token))
}

// RevokeToken deactivates a token by removing its record.
func (s *Store) RevokeToken(ctx context.Context, token string) error {
	return s.Del(ctx, TokenKey(token))
}

// PurgeStrayTokens removes token records that carry no TTL. Such keys can
// only come from bugs or manual writes; this is a safety net, not a
// correctness dependency.
func (s *Store) PurgeStrayTokens(ctx context.Context) (int, error) {
	keys, err := s.Scan(ctx, tokenPrefix+"*")
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, key := range keys {
		ttl, err := s.TTL(ctx, key)
		if err != nil {
			continue
		}
		if ttl < 0 {
			if err := s.Del(ctx, key); err == nil {
				purged++
			}
		}
	}
	if purged > 0 {
		s.logger.Warn().Int("purged", purged).Msg("removed stray token records")
	}
	return purged, nil
}

// newCode derives a 6-char hex code from a fresh uuid.
func newCode() string {
	id := uuid.New().String()
	return strings.ToUpper(strings.ReplaceAll(id, "-", "")[:codeLength])
}
