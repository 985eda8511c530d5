// Package capability issues and verifies stateless, tamper-evident,
// time-bound tokens granting access to a single storage object.
//
// A token is url-safe base64(payload + "|" + signature) where payload is
// the JSON
// {"key":"<resourceKey>","timestamp":<ms-epoch>} and the signature is the
// hex HMAC-SHA256 of the payload under a server-held secret. Nothing is
// persisted: validity is derived entirely from the secret and the clock,
// which keeps the image-serving hot path free of store round-trips. The
// tradeoff is that a leaked token works for any requester until natural
// expiry; it grants one object, not an account.
package capability

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	autherr "github.com/asierdev/annovault/internal/auth"
)

// TTL is the fixed lifetime of a capability token.
const TTL = time.Hour

type payload struct {
	Key       string `json:"key"`
	Timestamp int64  `json:"timestamp"`
}

type Service struct {
	secret []byte
	now    func() time.Time
}

func NewService(secret []byte) *Service {
	return &Service{secret: secret, now: time.Now}
}

// NewServiceWithClock is used by tests to control expiry.
func NewServiceWithClock(secret []byte, now func() time.Time) *Service {
	return &Service{secret: secret, now: now}
}

// Issue builds a token granting access to resourceKey, stamped with the
// current time.
func (s *Service) Issue(resourceKey string) (string, error) {
	body, err := json.Marshal(payload{
		Key:       resourceKey,
		Timestamp: s.now().UnixMilli(),
	})
	if err != nil {
		return "", err
	}

	sig := s.sign(body)
	return base64.URLEncoding.EncodeToString(append(append(body, '|'), sig...)), nil
}

// Verify recomputes the signature over the decoded payload and checks the
// issuance timestamp against the TTL. It returns the resource key the token
// grants, autherr.ErrCapabilityInvalid on any structural or signature
// failure, or autherr.ErrCapabilityExpired past the TTL.
func (s *Service) Verify(token string) (string, error) {
	decoded, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return "", autherr.ErrCapabilityInvalid
	}

	// The payload is JSON and cannot contain a raw '|'; split on the last one.
	idx := strings.LastIndexByte(string(decoded), '|')
	if idx < 0 {
		return "", autherr.ErrCapabilityInvalid
	}

	body, sig := decoded[:idx], decoded[idx+1:]
	if !hmac.Equal(sig, s.sign(body)) {
		return "", autherr.ErrCapabilityInvalid
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil || p.Key == "" {
		return "", autherr.ErrCapabilityInvalid
	}

	issued := time.UnixMilli(p.Timestamp)
	if s.now().Sub(issued) > TTL {
		return "", autherr.ErrCapabilityExpired
	}

	return p.Key, nil
}

func (s *Service) sign(body []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return []byte(hex.EncodeToString(mac.Sum(nil)))
}
