package filesystem

import (
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestPlatformUtils 测试平台兼容性工具
func TestPlatformUtils(t *testing.T) {
	utils := NewPlatformUtils()

	t.Run("validate path", func(t *testing.T) {
		testCases := []struct {
			path    string
			wantErr bool
		}{
			{"data", false},
			{"./data/keys", false},
			{"/var/lib/keyauth", false},
			{"data..backup", false},
			{"", true},
			{"../etc", true},
			{"data/../../etc", true},
			{"data\x00", true},
			{strings.Repeat("a", 1000), true},
		}

		for _, tc := range testCases {
			err := utils.ValidatePath(tc.path)
			if tc.wantErr {
				assert.Error(t, err, "Path: %q", tc.path)
			} else {
				assert.NoError(t, err, "Path: %q", tc.path)
			}
		}
	})

	t.Run("normalize path", func(t *testing.T) {
		normalized := utils.NormalizePath("data/./keys")
		assert.True(t, filepath.IsAbs(normalized))
		assert.False(t, strings.Contains(normalized, "/./"))
	})

	t.Run("case sensitivity", func(t *testing.T) {
		assert.Equal(t, runtime.GOOS != "windows", utils.IsCaseSensitive())
	})

	t.Run("corrupt name", func(t *testing.T) {
		assert.Equal(t, "/data/keys.json.corrupt-1700000000", utils.CorruptName("/data/keys.json", 1700000000))
	})
}
