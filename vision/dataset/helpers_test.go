package dataset

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// createTestCorpus writes imagesPerDir small PNG files into each named
// directory under a fresh temporary root.
func createTestCorpus(t *testing.T, dirs map[string]int) string {
	t.Helper()
	root := t.TempDir()

	for name, n := range dirs {
		dir := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(dir, 0755))
		for i := 0; i < n; i++ {
			writeTestImage(t, filepath.Join(dir, fmt.Sprintf("event_%d.png", i)), 6, 4)
		}
	}
	return root
}

func writeTestImage(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(x*20 + y)})
		}
	}

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// syntheticCorpus builds an in-memory corpus with n samples cycling through
// the meta labels.
func syntheticCorpus(n int) *Corpus {
	c := &Corpus{}
	for i := 0; i < n; i++ {
		c.Labels = append(c.Labels, MetaLabel(i%NumMetaClasses))
		c.Paths = append(c.Paths, fmt.Sprintf("/data/%d/event_%d.png", i%6, i))
	}
	return c
}
