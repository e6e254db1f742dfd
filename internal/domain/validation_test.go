package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateKeyFormat(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"Valid generated key", "ECL-0A1B2C3D-4E5F6071-8293A4B5-C6D7E8F9", false},
		{"Valid legacy key", "K3J9ZQ1A-PLM2N8XW", false},
		{"Invalid - empty", "", true},
		{"Invalid - lowercase", "ecl-0a1b2c3d", true},
		{"Invalid - no segments", "ABCDEF123456", true},
		{"Invalid - trailing dash", "ABC-", true},
		{"Invalid - too long", "A-" + strings.Repeat("B", 70), true},
		{"Invalid - spaces", "ABC- DEF", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKeyFormat(tt.value)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidKeyFormat)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "ECL-ABCD-1234", NormalizeKey("  ecl-abcd-1234\n"))
}

func TestValidateHWID(t *testing.T) {
	assert.NoError(t, ValidateHWID("BFEBFBFF000906EA-WD-WCC4N1234567"))
	assert.ErrorIs(t, ValidateHWID(strings.Repeat("x", MaxHWIDLength+1)), ErrHWIDTooLong)
	assert.ErrorIs(t, ValidateHWID("abc\x00def"), ErrInvalidHWID)
}

func TestValidateAppName(t *testing.T) {
	assert.NoError(t, ValidateAppName("Eclipse Loader"))
	assert.ErrorIs(t, ValidateAppName("   "), ErrAppNameInvalid)
	assert.ErrorIs(t, ValidateAppName(strings.Repeat("a", MaxAppName+1)), ErrAppNameInvalid)
}

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name     string
		username string
		expected bool
	}{
		{"Valid username", "admin", true},
		{"Valid username with numbers", "admin123", true},
		{"Valid username with underscore", "key_admin", true},
		{"Valid minimum length", "abc", true},
		{"Invalid - too short", "ab", false},
		{"Invalid - too long", "abcdefghijklmnopqrstuvwxyz1234567", false},
		{"Invalid - spaces", "key admin", false},
		{"Invalid - starts with number", "1admin", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ValidateUsername(tt.username) == nil)
		})
	}
}

func TestValidatePasswordError(t *testing.T) {
	assert.ErrorIs(t, ValidatePasswordError("short"), ErrPasswordTooShort)
	assert.ErrorIs(t, ValidatePasswordError(strings.Repeat("p", 129)), ErrPasswordTooLong)
	assert.NoError(t, ValidatePasswordError("correct-horse"))
}
