package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tissuealign/internal/alignment"
	"tissuealign/internal/pipeline"
	"tissuealign/internal/regerr"
	"tissuealign/pkg/geometry"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.tasession")

	scaled := alignment.Similarity(1, 0, -10, -10, geometry.Point2D{}).PreScaled(2)
	out := pipeline.Outcome{
		RequestID:       "req-1",
		Status:          pipeline.StatusSuccess,
		Kind:            regerr.KindNone,
		Strategy:        "parametric",
		Result:          &alignment.Result{Transform: alignment.Similarity(1, 0, -10, -10, geometry.Point2D{}), Fitness: 0.97},
		NativeTransform: &scaled,
	}
	f := FromOutcome(out, "abc")
	f.SetImages(path, filepath.Join(dir, "data", "ref.tif"), filepath.Join(dir, "mov.png"))
	require.NoError(t, f.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("data", "ref.tif"), got.ReferencePath)
	assert.Equal(t, filepath.Join(dir, "data", "ref.tif"), got.ReferenceImage(path))
	assert.Equal(t, filepath.Join(dir, "mov.png"), got.MovingImage(path))
	assert.Equal(t, "success", got.Status)
	assert.Equal(t, 0.97, got.Fitness)

	pts, err := got.Map([]geometry.Point2D{{X: 30, Y: 30}})
	require.NoError(t, err)
	assert.InDelta(t, 50, pts[0].X, 1e-9)
	assert.InDelta(t, 50, pts[0].Y, 1e-9)
}

func TestMapWithoutTransform(t *testing.T) {
	f := FromOutcome(pipeline.Outcome{Status: pipeline.StatusFailed, Kind: regerr.KindInvalidInput}, "")
	_, err := f.Map([]geometry.Point2D{{}})
	assert.ErrorIs(t, err, regerr.ErrInvalidInput)
}

func TestLoadRejectsNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.tasession")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 99}`), 0644))
	_, err := Load(path)
	assert.Equal(t, regerr.KindInvalidInput, regerr.KindOf(err))
}
