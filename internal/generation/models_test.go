package generation

import (
	"testing"

	"flow2api/internal/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupUnknownModel(t *testing.T) {
	_, ok := Lookup("gpt-4o")
	assert.False(t, ok)
}

func TestImageModelMapping(t *testing.T) {
	cfg, ok := Lookup("gemini-2.5-flash-image-landscape")
	require.True(t, ok)
	assert.Equal(t, token.MediaImage, cfg.Media)
	assert.Equal(t, "GEM_PIX", cfg.ModelName)
	assert.Equal(t, "IMAGE_ASPECT_RATIO_LANDSCAPE", cfg.AspectRatio)

	cfg, ok = Lookup("imagen-4.0-generate-preview-portrait")
	require.True(t, ok)
	assert.Equal(t, "IMAGEN_3_5", cfg.ModelName)
	assert.Equal(t, "IMAGE_ASPECT_RATIO_PORTRAIT", cfg.AspectRatio)
}

func TestVideoModelMapping(t *testing.T) {
	cfg, ok := Lookup("veo_3_1_t2v_fast_landscape")
	require.True(t, ok)
	assert.Equal(t, token.MediaVideo, cfg.Media)
	assert.Equal(t, VideoTextOnly, cfg.VideoType)
	// The landscape alias maps to the bare upstream key
	assert.Equal(t, "veo_3_1_t2v_fast", cfg.ModelKey)

	cfg, ok = Lookup("veo_3_1_t2v_fast_portrait")
	require.True(t, ok)
	assert.Equal(t, "veo_3_1_t2v_fast_portrait", cfg.ModelKey)
}

func TestStartEndModelsRequireImages(t *testing.T) {
	cfg, ok := Lookup("veo_3_1_i2v_s_fast_fl_landscape")
	require.True(t, ok)
	assert.Equal(t, VideoStartEnd, cfg.VideoType)
	assert.Equal(t, 1, cfg.MinImages)
	assert.Equal(t, 2, cfg.MaxImages)
	assert.Equal(t, "veo_3_1_i2v_s_fast_landscape_fl_ultra_relaxed", cfg.ModelKey)
}

func TestReferenceModelsAcceptAnyCount(t *testing.T) {
	cfg, ok := Lookup("veo_3_0_r2v_fast_portrait")
	require.True(t, ok)
	assert.Equal(t, VideoReferences, cfg.VideoType)
	assert.Zero(t, cfg.MinImages)
	assert.Equal(t, -1, cfg.MaxImages)
}

func TestModelNamesCoversTable(t *testing.T) {
	names := ModelNames()
	assert.Len(t, names, len(Models))
	for _, name := range names {
		_, ok := Lookup(name)
		assert.True(t, ok, name)
	}
}
