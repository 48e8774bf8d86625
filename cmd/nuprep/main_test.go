package main

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCorpus(t *testing.T, perLabel int) string {
	t.Helper()
	root := t.TempDir()
	for _, raw := range []string{"0", "2", "4", "5"} {
		dir := filepath.Join(root, raw)
		require.NoError(t, os.MkdirAll(dir, 0755))
		for i := 0; i < perLabel; i++ {
			img := image.NewGray(image.Rect(0, 0, 8, 6))
			img.SetGray(i%8, 0, color.Gray{Y: 200})
			f, err := os.Create(filepath.Join(dir, fmt.Sprintf("event_%d.png", i)))
			require.NoError(t, err)
			require.NoError(t, png.Encode(f, img))
			require.NoError(t, f.Close())
		}
	}
	return root
}

func TestRun(t *testing.T) {
	root := writeCorpus(t, 6)
	out := t.TempDir()

	err := run([]string{
		"-data", root,
		"-valid-size", "4",
		"-batch-size", "4",
		"-seed", "7",
		"-deterministic",
		"-progress=false",
		"-log-level", "warn",
		"-save-model", filepath.Join(out, "demo"),
		"-metrics-out", filepath.Join(out, "metrics.prom"),
	})
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(out, "demo.json"))
	prom, err := os.ReadFile(filepath.Join(out, "metrics.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(prom), "nuvision_files_scanned_total")
}

func TestRunErrors(t *testing.T) {
	assert.Error(t, run([]string{}), "data root is required")
	assert.Error(t, run([]string{"-data", filepath.Join(t.TempDir(), "missing")}))
	assert.Error(t, run([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}))
}
