package generation

import "flow2api/internal/token"

// Video sub-types
const (
	VideoTextOnly   = "t2v" // text prompt only, reference images dropped
	VideoStartEnd   = "i2v" // 1 image = first frame, 2 = first and last
	VideoReferences = "r2v" // any number of reference images
)

// ModelConfig describes one accepted model name: its media type, the
// upstream model identifier, aspect ratio, and reference-image rules.
type ModelConfig struct {
	Media       token.MediaType
	ModelName   string // image model name (upstream)
	ModelKey    string // video model key (upstream)
	AspectRatio string
	VideoType   string
	MinImages   int
	MaxImages   int // -1 = unlimited
}

const (
	imageLandscape = "IMAGE_ASPECT_RATIO_LANDSCAPE"
	imagePortrait  = "IMAGE_ASPECT_RATIO_PORTRAIT"
	videoLandscape = "VIDEO_ASPECT_RATIO_LANDSCAPE"
	videoPortrait  = "VIDEO_ASPECT_RATIO_PORTRAIT"
)

func imageModel(name, ratio string) ModelConfig {
	return ModelConfig{Media: token.MediaImage, ModelName: name, AspectRatio: ratio}
}

func videoModel(videoType, key, ratio string, minImages, maxImages int) ModelConfig {
	return ModelConfig{
		Media:       token.MediaVideo,
		ModelKey:    key,
		AspectRatio: ratio,
		VideoType:   videoType,
		MinImages:   minImages,
		MaxImages:   maxImages,
	}
}

// Models is the static capability table. Video capacity rules: text-only
// accepts zero images (extras silently dropped), start/end-frame needs
// exactly 1 or 2, multi-reference takes any count.
var Models = map[string]ModelConfig{
	// Image generation
	"gemini-2.5-flash-image-landscape":      imageModel("GEM_PIX", imageLandscape),
	"gemini-2.5-flash-image-portrait":       imageModel("GEM_PIX", imagePortrait),
	"gemini-3.0-pro-image-landscape":        imageModel("GEM_PIX_2", imageLandscape),
	"gemini-3.0-pro-image-portrait":         imageModel("GEM_PIX_2", imagePortrait),
	"imagen-4.0-generate-preview-landscape": imageModel("IMAGEN_3_5", imageLandscape),
	"imagen-4.0-generate-preview-portrait":  imageModel("IMAGEN_3_5", imagePortrait),

	// Text-to-video
	"veo_3_1_t2v_fast_portrait":       videoModel(VideoTextOnly, "veo_3_1_t2v_fast_portrait", videoPortrait, 0, 0),
	"veo_3_1_t2v_fast_landscape":      videoModel(VideoTextOnly, "veo_3_1_t2v_fast", videoLandscape, 0, 0),
	"veo_2_1_fast_d_15_t2v_portrait":  videoModel(VideoTextOnly, "veo_2_1_fast_d_15_t2v", videoPortrait, 0, 0),
	"veo_2_1_fast_d_15_t2v_landscape": videoModel(VideoTextOnly, "veo_2_1_fast_d_15_t2v", videoLandscape, 0, 0),
	"veo_2_0_t2v_portrait":            videoModel(VideoTextOnly, "veo_2_0_t2v", videoPortrait, 0, 0),
	"veo_2_0_t2v_landscape":           videoModel(VideoTextOnly, "veo_2_0_t2v", videoLandscape, 0, 0),

	// Start/end-frame video
	"veo_3_1_i2v_s_fast_fl_portrait":  videoModel(VideoStartEnd, "veo_3_1_i2v_s_fast_portrait_fl_ultra_relaxed", videoPortrait, 1, 2),
	"veo_3_1_i2v_s_fast_fl_landscape": videoModel(VideoStartEnd, "veo_3_1_i2v_s_fast_landscape_fl_ultra_relaxed", videoLandscape, 1, 2),
	"veo_2_1_fast_d_15_i2v_portrait":  videoModel(VideoStartEnd, "veo_2_1_fast_d_15_i2v", videoPortrait, 1, 2),
	"veo_2_1_fast_d_15_i2v_landscape": videoModel(VideoStartEnd, "veo_2_1_fast_d_15_i2v", videoLandscape, 1, 2),
	"veo_2_0_i2v_portrait":            videoModel(VideoStartEnd, "veo_2_0_i2v", videoPortrait, 1, 2),
	"veo_2_0_i2v_landscape":           videoModel(VideoStartEnd, "veo_2_0_i2v", videoLandscape, 1, 2),

	// Multi-reference video
	"veo_3_0_r2v_fast_portrait":  videoModel(VideoReferences, "veo_3_0_r2v_fast", videoPortrait, 0, -1),
	"veo_3_0_r2v_fast_landscape": videoModel(VideoReferences, "veo_3_0_r2v_fast", videoLandscape, 0, -1),
}

// Lookup resolves a model name against the capability table
func Lookup(model string) (ModelConfig, bool) {
	cfg, ok := Models[model]
	return cfg, ok
}

// ModelNames lists all accepted model names
func ModelNames() []string {
	names := make([]string, 0, len(Models))
	for name := range Models {
		names = append(names, name)
	}
	return names
}
