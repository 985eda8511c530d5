package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/asierdev/annovault/internal/auth/models"
)

func TestComputeStable(t *testing.T) {
	info := models.DeviceInfo{
		Platform: "Linux x86_64",
		Screen:   "1920x1080",
		Language: "en-US",
		Timezone: "Europe/Madrid",
	}

	assert.Equal(t, Compute(info), Compute(info))
	assert.Len(t, Compute(info), 64)
}

func TestComputeIgnoresDescriptorAndWhitespace(t *testing.T) {
	a := models.DeviceInfo{Platform: "Linux", Screen: "800x600", Language: "en", Timezone: "UTC"}
	b := a
	b.Descriptor = "alice's laptop"
	assert.Equal(t, Compute(a), Compute(b))

	c := models.DeviceInfo{Platform: " Linux ", Screen: "800x600", Language: "en", Timezone: "UTC"}
	assert.Equal(t, Compute(a), Compute(c))
}

func TestComputeDropsAbsentFields(t *testing.T) {
	partial := models.DeviceInfo{Platform: "Linux", Timezone: "UTC"}
	full := models.DeviceInfo{Platform: "Linux", Screen: "800x600", Language: "en", Timezone: "UTC"}

	assert.NotEqual(t, Compute(partial), Compute(full))
	// Empty and whitespace-only fields are equivalent.
	spaced := models.DeviceInfo{Platform: "Linux", Screen: "  ", Language: "", Timezone: "UTC"}
	assert.Equal(t, Compute(partial), Compute(spaced))
}

func TestComputeDifferentDevices(t *testing.T) {
	a := models.DeviceInfo{Platform: "Linux", Screen: "1920x1080", Language: "en", Timezone: "UTC"}
	b := models.DeviceInfo{Platform: "Win32", Screen: "1920x1080", Language: "en", Timezone: "UTC"}
	assert.NotEqual(t, Compute(a), Compute(b))
}

func TestIsAutomatedClient(t *testing.T) {
	tests := []struct {
		name      string
		userAgent string
		want      bool
	}{
		{"headless chrome", "Mozilla/5.0 (X11; Linux x86_64) HeadlessChrome/119.0", true},
		{"curl", "curl/8.4.0", true},
		{"python requests", "python-requests/2.31.0", true},
		{"googlebot", "Mozilla/5.0 (compatible; Googlebot/2.1)", true},
		{"playwright", "Playwright/1.40.0", true},
		{"regular firefox", "Mozilla/5.0 (X11; Linux x86_64; rv:120.0) Gecko/20100101 Firefox/120.0", false},
		{"regular chrome", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/119.0.0.0 Safari/537.36", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsAutomatedClient(tt.userAgent))
		})
	}
}
