package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "link")))

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"new file", filepath.Join(dir, "capture.bin"), false},
		{"nested new file", filepath.Join(dir, "a", "b", "capture.bin"), false},
		{"dir itself", dir, false},
		{"dot dot", filepath.Join(dir, "..", "capture.bin"), true},
		{"absolute elsewhere", filepath.Join(outside, "capture.bin"), true},
		{"through symlink", filepath.Join(dir, "link", "capture.bin"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, dir)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePathWithinAllowedDirs(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	assert.NoError(t, ValidatePathWithinAllowedDirs(filepath.Join(b, "x.db"), []string{a, b}))
	assert.Error(t, ValidatePathWithinAllowedDirs("/etc/passwd", []string{a, b}))
	assert.Error(t, ValidatePathWithinAllowedDirs(filepath.Join(a, "x.db"), nil))
}

func TestValidateOutputPath(t *testing.T) {
	assert.NoError(t, ValidateOutputPath(filepath.Join(t.TempDir(), "capture.bin")))
	assert.NoError(t, ValidateOutputPath("capture.bin"))
	assert.Error(t, ValidateOutputPath("/etc/detlink-capture.bin"))
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"":                 "unknown",
		"detlink.db":       "detlink.db",
		":memory:":         "memory",
		"../../etc/passwd": "etc_passwd",
		"run 42 / ttyS3":   "run_42_ttyS3",
		"...":              "unknown",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeFilename(in), "input %q", in)
	}
	assert.Len(t, SanitizeFilename(strings.Repeat("a", 500)), 128)
}
