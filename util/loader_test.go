package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDirectoryImages(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"frame-10.jpg", "frame-2.jpg", "000001.PNG", "notes.txt", "zebra.webp", "alpha.bmp"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.jpg"), 0o755))

	images, err := LoadDirectoryImageFiles(dir)
	require.NoError(t, err)

	var names []string
	for _, image := range images {
		names = append(names, filepath.Base(image.Path))
	}
	assert.Equal(t, []string{"000001.PNG", "frame-2.jpg", "frame-10.jpg", "alpha.bmp", "zebra.webp"}, names)
	assert.Equal(t, 10, images[2].Frame)
	assert.Equal(t, -1, images[3].Frame)

	_, err = LoadDirectoryImageFiles(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
