package main

import (
	"bytes"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tissuealign/internal/regerr"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, 2, exitCode(regerr.New(regerr.KindConfiguration, "x", "bad")))
	assert.Equal(t, 3, exitCode(regerr.New(regerr.KindInvalidInput, "x", "bad")))
	assert.Equal(t, 4, exitCode(regerr.FromContext("x", nil, nil)))
	assert.Equal(t, 5, exitCode(&exitError{code: 5, msg: "partial"}))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
}

func TestConfigShow(t *testing.T) {
	out, err := execute(t, "config", "show", "xenium")
	require.NoError(t, err)
	assert.Contains(t, out, "modality: xenium")

	out, err = execute(t, "config", "show", "visium", "--format", "toml")
	require.NoError(t, err)
	assert.Contains(t, out, `modality = "visium"`)
}

func TestConfigValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte("modality: visium\nmask:\n  threshold: 40\n"), 0644))
	out, err := execute(t, "config", "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok (modality visium")

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[mask]\nthreshold = 400\n"), 0644))
	_, err = execute(t, "config", "validate", bad)
	assert.Equal(t, regerr.KindConfiguration, regerr.KindOf(err))
}

func TestMasksCommandWritesPNGs(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "tissue.png")
	img := image.NewGray(image.Rect(0, 0, 120, 120))
	for y := 30; y < 90; y++ {
		for x := 30; x < 90; x++ {
			img.Pix[y*img.Stride+x] = 220
		}
	}
	f, err := os.Create(in)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	outDir := filepath.Join(dir, "out")
	preview := filepath.Join(dir, "preview.png")
	out, err := execute(t, "masks", in, "--modality", "generic", "-o", outDir, "--overlay", preview)
	require.NoError(t, err)
	assert.Contains(t, out, `"filled_area"`)
	assert.FileExists(t, filepath.Join(outDir, "mask_filled.png"))
	assert.FileExists(t, filepath.Join(outDir, "mask_with_holes.png"))
	assert.FileExists(t, preview)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "tissuealign 0.1.0")
}

func TestParsePoints(t *testing.T) {
	pts, err := parsePoints([]string{"1,2", " 3.5 , -4"})
	require.NoError(t, err)
	assert.Len(t, pts, 2)
	assert.Equal(t, 3.5, pts[1].X)
	assert.Equal(t, -4.0, pts[1].Y)

	_, err = parsePoints([]string{"1,2", "oops"})
	assert.Equal(t, regerr.KindInvalidInput, regerr.KindOf(err))
}
