package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Signed link failures.
var (
	ErrInvalidLink = errors.New("invalid download link")
	ErrExpiredLink = errors.New("download link expired")
)

// DownloadSigner issues short-lived HMAC links for administrative downloads.
type DownloadSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewDownloadSigner constructs a signer with the provided secret and TTL.
func NewDownloadSigner(secret string, ttl time.Duration) *DownloadSigner {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &DownloadSigner{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Generate returns a token bound to the resource name.
func (s *DownloadSigner) Generate(resource string) (string, time.Time, error) {
	if resource == "" {
		return "", time.Time{}, fmt.Errorf("resource required")
	}
	if len(s.secret) == 0 {
		return "", time.Time{}, fmt.Errorf("signing secret missing")
	}
	expiresAt := s.now().Add(s.ttl)
	exp := strconv.FormatInt(expiresAt.Unix(), 10)
	encoded := base64.RawURLEncoding.EncodeToString([]byte(resource))
	return strings.Join([]string{exp, encoded, s.sign(exp, encoded)}, "."), expiresAt, nil
}

// Verify checks the signature, expiry and resource binding of a token.
func (s *DownloadSigner) Verify(token, resource string) error {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return ErrInvalidLink
	}
	exp, encoded, signature := parts[0], parts[1], parts[2]
	if !hmac.Equal([]byte(s.sign(exp, encoded)), []byte(signature)) {
		return ErrInvalidLink
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || string(raw) != resource {
		return ErrInvalidLink
	}
	expUnix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return ErrInvalidLink
	}
	if s.now().After(time.Unix(expUnix, 0)) {
		return ErrExpiredLink
	}
	return nil
}

func (s *DownloadSigner) sign(exp, encoded string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(exp + "|" + encoded))
	return hex.EncodeToString(mac.Sum(nil))
}
