package utils

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStemAndExtension(t *testing.T) {
	tests := []struct {
		name string
		stem string
		ext  string
	}{
		{"a.jpg", "a", "jpg"},
		{"dir/photo.final.PNG", "photo.final", "png"},
		{"noext", "noext", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.stem, Stem(tt.name))
			assert.Equal(t, tt.ext, GetFileExtension(tt.name))
		})
	}
}

func TestIsImageFile(t *testing.T) {
	assert.True(t, IsImageFile("x.JPEG"))
	assert.True(t, IsImageFile("x.webp"))
	assert.False(t, IsImageFile("x.txt"))
	assert.False(t, IsImageFile("jpg"))
}

func TestFormatExtension(t *testing.T) {
	assert.Equal(t, "jpg", FormatExtension(""))
	assert.Equal(t, "jpg", FormatExtension("JPEG"))
	assert.Equal(t, "png", FormatExtension("PNG"))
}

func TestListFilesAndSubdirs(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/root/b.jpg", []byte("x"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/root/a.jpg", []byte("x"), 0644))
	require.NoError(t, fs.MkdirAll("/root/zeta", 0755))
	require.NoError(t, fs.MkdirAll("/root/alpha", 0755))

	files, err := ListFiles(fs, "/root")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.jpg", "b.jpg"}, files)

	dirs, err := ListSubdirs(fs, "/root")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, dirs)

	_, err = ListFiles(fs, "/missing")
	assert.Error(t, err)
}

func TestExistsHelpers(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, EnsureDir(fs, "/a/b"))
	require.NoError(t, EnsureDir(fs, "/a/b"))
	require.NoError(t, afero.WriteFile(fs, "/a/b/f.png", []byte("x"), 0644))

	assert.True(t, DirExists(fs, "/a/b"))
	assert.False(t, DirExists(fs, "/a/b/f.png"))
	assert.True(t, FileExists(fs, "/a/b/f.png"))
	assert.False(t, FileExists(fs, "/a/b"))
	assert.False(t, FileExists(fs, "/nope"))
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "traffic_light", SanitizeFilename("traffic/light"))
	assert.Equal(t, "a_b_c", SanitizeFilename(" a:b?c. "))
}
