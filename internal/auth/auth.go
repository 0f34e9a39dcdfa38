// Package auth issues and validates agent credentials.
//
// Tokens are derived, not stored: a token is an HMAC-SHA256 of the principal
// and a coarse issue-time bucket, keyed by the shared secret and truncated to
// a fixed display length. Validation recomputes the digest for every bucket
// inside the validity window, so the relay never needs a credential table.
// The trade-off is that a token cannot be revoked before it expires.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

const (
	// tokenDisplayLength is the number of hex characters shown to the
	// principal. 32 chars of SHA256 output is 128 bits.
	tokenDisplayLength = 32

	defaultValidity = 30 * 24 * time.Hour
	defaultBucket   = 6 * time.Hour
)

// Service derives and validates agent tokens.
type Service struct {
	secret   []byte
	validity time.Duration
	bucket   time.Duration
}

// Options tunes the token validity window. Zero values use the production
// defaults (30 days validity, 6 hour issue buckets).
type Options struct {
	Validity time.Duration
	Bucket   time.Duration
}

// NewService creates a token service keyed by the shared secret.
func NewService(secret string, opts Options) *Service {
	if opts.Validity == 0 {
		opts.Validity = defaultValidity
	}
	if opts.Bucket == 0 {
		opts.Bucket = defaultBucket
	}
	return &Service{
		secret:   []byte(secret),
		validity: opts.Validity,
		bucket:   opts.Bucket,
	}
}

// Issue derives a token for the principal from the current time bucket and
// returns it with its nominal expiry. The expiry is informational only:
// validation re-derives it from the bucket window rather than comparing
// against a stored timestamp.
func (s *Service) Issue(principal string) (string, time.Time) {
	now := time.Now()
	token := s.derive(principal, now.Truncate(s.bucket).Unix())
	return token, now.Add(s.validity)
}

// Validate reports whether token could have been issued for the principal at
// any bucket inside the validity window. A legacy token derived without a
// time bucket is accepted unconditionally; it predates expiring credentials
// and existing agent installs still present it.
func (s *Service) Validate(principal, token string) bool {
	now := time.Now().Truncate(s.bucket)
	oldest := time.Now().Add(-s.validity)
	for t := now; !t.Before(oldest); t = t.Add(-s.bucket) {
		expected := s.derive(principal, t.Unix())
		if hmac.Equal([]byte(token), []byte(expected)) {
			return true
		}
	}
	return hmac.Equal([]byte(token), []byte(s.deriveLegacy(principal)))
}

func (s *Service) derive(principal string, bucketUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(principal + ":" + strconv.FormatInt(bucketUnix, 10)))
	return hex.EncodeToString(mac.Sum(nil))[:tokenDisplayLength]
}

// deriveLegacy computes the pre-expiry token format: a digest over the
// principal alone.
func (s *Service) deriveLegacy(principal string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(principal))
	return hex.EncodeToString(mac.Sum(nil))[:tokenDisplayLength]
}
