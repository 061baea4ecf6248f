package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tissuealign/internal/regerr"
)

func TestDefaultsValidate(t *testing.T) {
	for _, m := range NewRegistry().Modalities() {
		t.Run(m, func(t *testing.T) {
			cfg, ok := NewRegistry().Lookup(m)
			require.True(t, ok)
			assert.NoError(t, cfg.Validate())
		})
	}
}

func TestValidateRejectsEachField(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"method", func(c *Config) { c.Mask.Method = "magic" }},
		{"normalization", func(c *Config) { c.Mask.Normalization = "log" }},
		{"threshold", func(c *Config) { c.Mask.Threshold = 300 }},
		{"even blur", func(c *Config) { c.Mask.BlurKernel = 4 }},
		{"adaptive block", func(c *Config) { c.Mask.Method = MethodAdaptive; c.Mask.AdaptiveBlockSize = 10 }},
		{"kernel", func(c *Config) { c.Mask.KernelSize = 0 }},
		{"iterations", func(c *Config) { c.Mask.OpenIterations = -1 }},
		{"tissue area", func(c *Config) { c.Mask.MinTissueArea = -1 }},
		{"hole area", func(c *Config) { c.Mask.HoleFillArea = -5 }},
		{"radius", func(c *Config) { c.Circles.MaxRadius = 2 }},
		{"confidence", func(c *Config) { c.Circles.MinConfidence = 1.5 }},
		{"scale range", func(c *Config) { c.Parametric.ScaleMin = 1.5 }},
		{"scale step", func(c *Config) { c.Parametric.ScaleStep = 0 }},
		{"shift range", func(c *Config) { c.Parametric.ShiftMin = 60 }},
		{"rotation bound", func(c *Config) { c.Parametric.RotationMax = 270 }},
		{"refine steps", func(c *Config) { c.Parametric.RefineSteps = -1 }},
		{"min fitness", func(c *Config) { c.Parametric.MinFitness = 2 }},
		{"timeout", func(c *Config) { c.Parametric.Timeout = 0 }},
		{"detector", func(c *Config) { c.Feature.Detector = "surf" }},
		{"model", func(c *Config) { c.Feature.Model = "spline" }},
		{"ratio", func(c *Config) { c.Feature.MatchRatio = 0 }},
		{"ransac threshold", func(c *Config) { c.Feature.RANSACThreshold = -1 }},
		{"ransac iterations", func(c *Config) { c.Feature.RANSACIterations = 0 }},
		{"workers", func(c *Config) { c.Feature.Workers = -2 }},
		{"strategy", func(c *Config) { c.Pipeline.Strategy = "guess" }},
		{"threshold NaN", func(c *Config) { c.Mask.Threshold = math.NaN() }},
		{"adaptive c NaN", func(c *Config) { c.Mask.AdaptiveC = math.NaN() }},
		{"adaptive c Inf", func(c *Config) { c.Mask.AdaptiveC = math.Inf(-1) }},
		{"tissue area NaN", func(c *Config) { c.Mask.MinTissueArea = math.NaN() }},
		{"min distance NaN", func(c *Config) { c.Circles.MinDistance = math.NaN() }},
		{"confidence NaN", func(c *Config) { c.Circles.MinConfidence = math.NaN() }},
		{"scale max NaN", func(c *Config) { c.Parametric.ScaleMax = math.NaN() }},
		{"shift Inf", func(c *Config) { c.Parametric.ShiftMin = math.Inf(-1) }},
		{"shift both Inf", func(c *Config) {
			c.Parametric.ShiftMin, c.Parametric.ShiftMax = math.Inf(-1), math.Inf(1)
		}},
		{"rotation NaN", func(c *Config) { c.Parametric.RotationMin = math.NaN() }},
		{"refine step NaN", func(c *Config) { c.Parametric.RefineShiftStep = math.NaN() }},
		{"min fitness NaN", func(c *Config) { c.Parametric.MinFitness = math.NaN() }},
		{"ratio NaN", func(c *Config) { c.Feature.MatchRatio = math.NaN() }},
		{"ransac threshold Inf", func(c *Config) { c.Feature.RANSACThreshold = math.Inf(1) }},
		{"inlier ratio NaN", func(c *Config) { c.Feature.MinInlierRatio = math.NaN() }},
		{"min correlation NaN", func(c *Config) { c.Feature.MinCorrelation = math.NaN() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, regerr.KindConfiguration, regerr.KindOf(err))
		})
	}
}

func TestValidateListsAllViolations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mask.KernelSize = 0
	cfg.Feature.Detector = "surf"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mask.kernel_size")
	assert.Contains(t, err.Error(), "feature.detector")
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, format := range []Format{FormatYAML, FormatTOML} {
		t.Run(string(format), func(t *testing.T) {
			want := DefaultFor(ModalityVisium).WithTimeout(90 * time.Second)
			data, err := Encode(want, format)
			require.NoError(t, err)

			got, err := Decode(data, format, "")
			require.NoError(t, err)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodePartialFileKeepsModalityDefaults(t *testing.T) {
	data := []byte("modality: xenium\nmask:\n  kernel_size: 9\n")
	cfg, err := Decode(data, FormatYAML, ModalityGeneric)
	require.NoError(t, err)
	assert.Equal(t, ModalityXenium, cfg.Modality)
	assert.Equal(t, 9, cfg.Mask.KernelSize)
	assert.Equal(t, DefaultFor(ModalityXenium).Mask.Method, cfg.Mask.Method)
}

func TestDecodeRejectsInvalid(t *testing.T) {
	_, err := Decode([]byte("[feature]\nmatch_ratio = 3.0\n"), FormatTOML, "")
	assert.Equal(t, regerr.KindConfiguration, regerr.KindOf(err))

	_, err = Decode([]byte("mask: [unclosed"), FormatYAML, "")
	assert.Equal(t, regerr.KindConfiguration, regerr.KindOf(err))
}

func TestDecodeRejectsNonFinite(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		format Format
	}{
		{"yaml threshold nan", "mask:\n  threshold: .nan\n", FormatYAML},
		{"yaml correlation nan", "feature:\n  min_correlation: .nan\n", FormatYAML},
		{"yaml adaptive c inf", "mask:\n  adaptive_c: -.inf\n", FormatYAML},
		{"toml shift inf", "[parametric]\nshift_min = -inf\nshift_max = inf\n", FormatTOML},
		{"toml threshold nan", "[mask]\nthreshold = nan\n", FormatTOML},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data), tt.format, "")
			require.Error(t, err)
			assert.Equal(t, regerr.KindConfiguration, regerr.KindOf(err))
		})
	}
}

func TestLoadRejectsNaNThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mask:\n  threshold: .nan\n"), 0o644))
	_, err := Load(path, "")
	require.Error(t, err)
	assert.Equal(t, regerr.KindConfiguration, regerr.KindOf(err))
	assert.Contains(t, err.Error(), "mask.threshold")
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cfg.toml")
	want := DefaultFor(ModalityPhenoCycler).WithWorkers(3)
	require.NoError(t, Save(want, path))

	_, err := os.Stat(path)
	require.NoError(t, err)

	got, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestHashStability(t *testing.T) {
	a := DefaultConfig()
	b := DefaultConfig()
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Len(t, a.Hash(), 64)

	b.Feature.Detector = DetectorSIFT
	assert.NotEqual(t, a.Hash(), b.Hash())
	assert.Equal(t, a.MaskHash(), b.MaskHash(), "feature tuning must not change the mask hash")

	b.Mask.Threshold = 42
	assert.NotEqual(t, a.MaskHash(), b.MaskHash())
}

func TestHashOfUnencodableConfigPanics(t *testing.T) {
	a := DefaultConfig()
	a.Mask.Threshold = math.NaN()
	b := DefaultConfig()
	b.Mask.AdaptiveC = math.NaN()

	// Two distinct unvalidated configs must never share an empty cache key.
	assert.Panics(t, func() { _ = a.Hash() })
	assert.Panics(t, func() { _ = a.MaskHash() })
	assert.Panics(t, func() { _ = b.MaskHash() })
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	cfg, ok := r.Lookup("VISIUM ")
	assert.True(t, ok)
	assert.True(t, cfg.Circles.Enabled)

	cfg, ok = r.Lookup("cosmx")
	assert.False(t, ok)
	assert.Equal(t, ModalityGeneric, cfg.Modality)

	custom := DefaultConfig().WithThreshold(50)
	require.NoError(t, r.Register("CosMx", custom))
	cfg, ok = r.Lookup("cosmx")
	assert.True(t, ok)
	assert.Equal(t, 50.0, cfg.Mask.Threshold)
	assert.Contains(t, r.Modalities(), "cosmx")

	bad := DefaultConfig()
	bad.Mask.KernelSize = 0
	assert.Error(t, r.Register("broken", bad))
}

func TestWithFiducialRadius(t *testing.T) {
	base := DefaultFor(ModalityVisium)

	cfg := base.WithFiducialRadius(20)
	assert.Equal(t, 14, cfg.Circles.MinRadius)
	assert.Equal(t, 26, cfg.Circles.MaxRadius)
	assert.Equal(t, base.Circles.Enabled, cfg.Circles.Enabled)
	assert.NoError(t, cfg.Validate())
	assert.NotEqual(t, base.MaskHash(), cfg.MaskHash())

	small := base.WithFiducialRadius(0.5)
	assert.Equal(t, 1, small.Circles.MinRadius)
	assert.Equal(t, 1, small.Circles.MaxRadius)
	assert.NoError(t, small.Validate())

	for _, r := range []float64{0, -3, math.NaN(), math.Inf(1)} {
		assert.Equal(t, base, base.WithFiducialRadius(r), "radius %v", r)
	}
}
