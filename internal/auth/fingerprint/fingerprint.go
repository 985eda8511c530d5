// Package fingerprint derives stable device identities from client-declared
// characteristics and classifies automated clients for audit annotation.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/asierdev/annovault/internal/auth/models"
)

// Compute hashes the four declared characteristics into an opaque identifier.
// Absent fields are dropped and field order is fixed, so the same device
// yields the same fingerprint across logins. The user agent is excluded on
// purpose: intermediary infrastructure rewrites it inconsistently between
// login and later verification, causing false mismatches.
func Compute(info models.DeviceInfo) string {
	parts := make([]string, 0, 4)
	for _, field := range []string{info.Platform, info.Screen, info.Language, info.Timezone} {
		if v := strings.TrimSpace(field); v != "" {
			parts = append(parts, v)
		}
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// automationSignatures match known automation stacks: headless browsers,
// crawlers, scripted HTTP clients and test harnesses.
var automationSignatures = []string{
	"headlesschrome",
	"phantomjs",
	"selenium",
	"puppeteer",
	"playwright",
	"webdriver",
	"bot",
	"crawler",
	"spider",
	"scrapy",
	"curl/",
	"wget/",
	"python-requests",
	"go-http-client",
	"okhttp",
	"httpclient",
	"postmanruntime",
}

// IsAutomatedClient reports whether the user agent matches a known
// automation signature. The result is recorded for audit purposes only and
// never blocks a request.
func IsAutomatedClient(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	if ua == "" {
		return false
	}

	for _, sig := range automationSignatures {
		if strings.Contains(ua, sig) {
			return true
		}
	}
	return false
}
