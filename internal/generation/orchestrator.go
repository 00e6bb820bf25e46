package generation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"flow2api/internal/cache"
	"flow2api/internal/flow"
	"flow2api/internal/metrics"
	"flow2api/internal/token"
)

// Client is the upstream surface the orchestrator drives. *flow.Client
// satisfies it; tests substitute a fake.
type Client interface {
	UploadImage(ctx context.Context, accessToken string, imageBytes []byte, aspectRatio string) (string, error)
	GenerateImage(ctx context.Context, accessToken, projectID, prompt, modelName, aspectRatio string, imageInputs []flow.ImageInput) (string, error)
	GenerateVideoText(ctx context.Context, accessToken, projectID, prompt, modelKey, aspectRatio, tier string) ([]flow.Operation, error)
	GenerateVideoStartImage(ctx context.Context, accessToken, projectID, prompt, modelKey, aspectRatio, tier, startMediaID string) ([]flow.Operation, error)
	GenerateVideoStartEnd(ctx context.Context, accessToken, projectID, prompt, modelKey, aspectRatio, tier, startMediaID, endMediaID string) ([]flow.Operation, error)
	GenerateVideoReferences(ctx context.Context, accessToken, projectID, prompt, modelKey, aspectRatio, tier string, refs []flow.ReferenceImage) ([]flow.Operation, error)
	CheckVideoStatus(ctx context.Context, accessToken string, operations []flow.Operation) ([]flow.Operation, error)
}

// Options holds the fixed generation parameters resolved at startup
type Options struct {
	PollInterval     time.Duration
	MaxPollAttempts  int
	ProgressInterval int
	// MarkTimeoutFailed controls whether a poll timeout flips the task
	// to failed or leaves it processing for later inspection.
	MarkTimeoutFailed bool
	CacheEnabled      bool
	BaseURL           string
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 3 * time.Second
	}
	if o.MaxPollAttempts <= 0 {
		o.MaxPollAttempts = 500
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = 7
	}
	return o
}

// Orchestrator runs the full generation pipeline: pick a token, prepare
// its project, upload inputs, submit, poll, cache, and settle the
// token's health counters from the outcome.
type Orchestrator struct {
	client    Client
	manager   *token.Manager
	selector  *token.Selector
	admission *token.AdmissionController
	storage   *token.Storage
	cache     *cache.FileCache
	opts      Options
}

func NewOrchestrator(client Client, manager *token.Manager, selector *token.Selector, admission *token.AdmissionController, fileCache *cache.FileCache, opts Options) *Orchestrator {
	return &Orchestrator{
		client:    client,
		manager:   manager,
		selector:  selector,
		admission: admission,
		storage:   manager.Storage(),
		cache:     fileCache,
		opts:      opts.withDefaults(),
	}
}

// Request is one parsed generation request
type Request struct {
	Model  string
	Prompt string
	Images [][]byte
}

// Emit receives wire-ready SSE payloads in order
type Emit func(chunk string)

// Probe answers a non-stream request: it reports whether a token is
// currently available for the model's media type without generating.
func (o *Orchestrator) Probe(ctx context.Context, model string) (Completion, bool) {
	cfg, ok := Lookup(model)
	if !ok {
		return Completion{}, false
	}
	_, err := o.selector.Select(ctx, cfg.Media)
	noun := "image"
	if cfg.Media == token.MediaVideo {
		noun = "video"
	}
	if err != nil {
		return NewCompletion(fmt.Sprintf("No token is available for %s generation.", noun)), true
	}
	return NewCompletion(fmt.Sprintf("Tokens are available for %s generation. Enable streaming to generate.", noun)), true
}

// Generate runs a streaming generation end to end, emitting progress
// and the final content as SSE chunks. The terminator is the caller's
// responsibility.
func (o *Orchestrator) Generate(ctx context.Context, req Request, emit Emit) {
	start := time.Now()

	cfg, ok := Lookup(req.Model)
	if !ok {
		emit(ErrorChunk(fmt.Sprintf("unsupported model: %s", req.Model)))
		return
	}

	// Input validation happens before a token is picked so a bad request
	// never touches pool health.
	if cfg.VideoType == VideoStartEnd {
		if len(req.Images) < cfg.MinImages || len(req.Images) > cfg.MaxImages {
			emit(ErrorChunk(fmt.Sprintf("start/end-frame models need %d-%d images, got %d", cfg.MinImages, cfg.MaxImages, len(req.Images))))
			return
		}
	}

	mediaNoun, banner := "image", "Image"
	if cfg.Media == token.MediaVideo {
		mediaNoun, banner = "video", "Video"
	}
	emit(ProgressChunk(fmt.Sprintf("✨ %s generation task started\n", banner)))

	tok, err := o.selector.Select(ctx, cfg.Media)
	if err != nil {
		metrics.PoolExhausted.Inc()
		metrics.Generations.WithLabelValues(mediaNoun, "exhausted").Inc()
		msg := fmt.Sprintf("no token available for %s generation: all tokens are disabled, banned, saturated or expired", mediaNoun)
		emit(ProgressChunk("❌ " + msg + "\n"))
		emit(ErrorChunk(msg))
		return
	}
	log.Printf("[GENERATION] selected token %d (%s) for %s", tok.ID, tok.Email, req.Model)

	emit(ProgressChunk("Preparing generation environment...\n"))
	projectID, err := o.manager.EnsureProject(ctx, tok.ID)
	if err != nil {
		o.settleFailure(tok.ID, err)
		emit(ProgressChunk(fmt.Sprintf("❌ project setup failed: %v\n", err)))
		emit(ErrorChunk(fmt.Sprintf("project setup failed: %v", err)))
		o.logRequest(tok.ID, "generate_"+mediaNoun, 500, start, err.Error())
		return
	}

	// Fetch again, the access token may have been refreshed during selection
	tok, err = o.storage.GetToken(tok.ID)
	if err != nil {
		emit(ErrorChunk(fmt.Sprintf("token lookup failed: %v", err)))
		return
	}

	if cfg.Media == token.MediaImage {
		err = o.generateImage(ctx, tok, projectID, cfg, req, emit)
	} else {
		err = o.generateVideo(ctx, tok, projectID, cfg, req, emit)
	}
	if err != nil {
		o.settleFailure(tok.ID, err)
		metrics.Generations.WithLabelValues(mediaNoun, "failure").Inc()
		o.logRequest(tok.ID, "generate_"+mediaNoun, 500, start, err.Error())
		return
	}

	o.manager.RecordUsage(tok.ID, cfg.Media)
	o.manager.RecordSuccess(tok.ID)
	metrics.Generations.WithLabelValues(mediaNoun, "success").Inc()
	o.logRequest(tok.ID, "generate_"+mediaNoun, 200, start, "")
	log.Printf("[GENERATION] token %d completed %s generation in %s", tok.ID, mediaNoun, time.Since(start).Round(time.Millisecond))
}

// settleFailure updates token health from a failed generation. A rate
// limit bans the token outright, an admission rejection is a capacity
// signal and leaves health untouched, anything else counts toward the
// consecutive error threshold.
func (o *Orchestrator) settleFailure(tokenID int64, err error) {
	if errors.Is(err, token.ErrAdmissionRejected) {
		return
	}
	if flow.IsRateLimited(err) {
		o.manager.BanForRateLimit(tokenID)
		metrics.RateLimitBans.Inc()
		return
	}
	o.manager.RecordError(tokenID)
}

func (o *Orchestrator) logRequest(tokenID int64, operation string, statusCode int, start time.Time, detail string) {
	if err := o.storage.LogRequest(tokenID, operation, statusCode, time.Since(start).Milliseconds(), detail); err != nil {
		log.Printf("[GENERATION] request log write failed: %v", err)
	}
}

func (o *Orchestrator) generateImage(ctx context.Context, tok *token.Token, projectID string, cfg ModelConfig, req Request, emit Emit) error {
	if !o.admission.Acquire(tok.ID, token.MediaImage, tok.ImageConcurrency) {
		metrics.AdmissionRejected.Inc()
		emit(ErrorChunk("image concurrency limit reached"))
		return fmt.Errorf("image: %w", token.ErrAdmissionRejected)
	}
	defer o.admission.Release(tok.ID, token.MediaImage)

	var imageInputs []flow.ImageInput
	if len(req.Images) > 0 {
		emit(ProgressChunk(fmt.Sprintf("Uploading %d reference image(s)...\n", len(req.Images))))
		for i, img := range req.Images {
			mediaID, err := o.client.UploadImage(ctx, tok.AccessToken, img, cfg.AspectRatio)
			if err != nil {
				emit(ProgressChunk(fmt.Sprintf("❌ image upload failed: %v\n", err)))
				emit(ErrorChunk(fmt.Sprintf("image upload failed: %v", err)))
				return err
			}
			imageInputs = append(imageInputs, flow.ImageInput{
				Name:           mediaID,
				ImageInputType: "IMAGE_INPUT_TYPE_REFERENCE",
			})
			emit(ProgressChunk(fmt.Sprintf("Uploaded image %d/%d\n", i+1, len(req.Images))))
		}
	}

	emit(ProgressChunk("Generating image...\n"))
	imageURL, err := o.client.GenerateImage(ctx, tok.AccessToken, projectID, req.Prompt, cfg.ModelName, cfg.AspectRatio, imageInputs)
	if err != nil {
		emit(ProgressChunk(fmt.Sprintf("❌ generation failed: %v\n", err)))
		emit(ErrorChunk(fmt.Sprintf("generation failed: %v", err)))
		return err
	}

	localURL := o.cacheResult(ctx, imageURL, "image", emit)
	emit(ContentChunk(ImageMarkdown(localURL)))
	return nil
}

func (o *Orchestrator) generateVideo(ctx context.Context, tok *token.Token, projectID string, cfg ModelConfig, req Request, emit Emit) error {
	if !o.admission.Acquire(tok.ID, token.MediaVideo, tok.VideoConcurrency) {
		metrics.AdmissionRejected.Inc()
		emit(ErrorChunk("video concurrency limit reached"))
		return fmt.Errorf("video: %w", token.ErrAdmissionRejected)
	}
	defer o.admission.Release(tok.ID, token.MediaVideo)

	images := req.Images
	if cfg.VideoType == VideoTextOnly && len(images) > 0 {
		emit(ProgressChunk("⚠️ text-to-video models ignore uploaded images, generating from the prompt only\n"))
		log.Printf("[GENERATION] model %s ignores images, dropped %d", cfg.ModelKey, len(images))
		images = nil
	}

	tier := tok.PaygateTier
	if tier == "" {
		tier = "PAYGATE_TIER_ONE"
	}

	var operations []flow.Operation
	var err error
	switch {
	case cfg.VideoType == VideoStartEnd:
		var startID, endID string
		if len(images) == 2 {
			emit(ProgressChunk("Uploading start and end frames...\n"))
		} else {
			emit(ProgressChunk("Uploading start frame...\n"))
		}
		startID, err = o.client.UploadImage(ctx, tok.AccessToken, images[0], cfg.AspectRatio)
		if err == nil && len(images) == 2 {
			endID, err = o.client.UploadImage(ctx, tok.AccessToken, images[1], cfg.AspectRatio)
		}
		if err != nil {
			emit(ProgressChunk(fmt.Sprintf("❌ image upload failed: %v\n", err)))
			emit(ErrorChunk(fmt.Sprintf("image upload failed: %v", err)))
			return err
		}
		emit(ProgressChunk("Submitting video generation task...\n"))
		if endID != "" {
			operations, err = o.client.GenerateVideoStartEnd(ctx, tok.AccessToken, projectID, req.Prompt, cfg.ModelKey, cfg.AspectRatio, tier, startID, endID)
		} else {
			operations, err = o.client.GenerateVideoStartImage(ctx, tok.AccessToken, projectID, req.Prompt, cfg.ModelKey, cfg.AspectRatio, tier, startID)
		}

	case cfg.VideoType == VideoReferences && len(images) > 0:
		emit(ProgressChunk(fmt.Sprintf("Uploading %d reference image(s)...\n", len(images))))
		refs := make([]flow.ReferenceImage, 0, len(images))
		for _, img := range images {
			mediaID, upErr := o.client.UploadImage(ctx, tok.AccessToken, img, cfg.AspectRatio)
			if upErr != nil {
				emit(ProgressChunk(fmt.Sprintf("❌ image upload failed: %v\n", upErr)))
				emit(ErrorChunk(fmt.Sprintf("image upload failed: %v", upErr)))
				return upErr
			}
			refs = append(refs, flow.ReferenceImage{
				ImageUsageType: "IMAGE_USAGE_TYPE_ASSET",
				MediaID:        mediaID,
			})
		}
		emit(ProgressChunk("Submitting video generation task...\n"))
		operations, err = o.client.GenerateVideoReferences(ctx, tok.AccessToken, projectID, req.Prompt, cfg.ModelKey, cfg.AspectRatio, tier, refs)

	default:
		emit(ProgressChunk("Submitting video generation task...\n"))
		operations, err = o.client.GenerateVideoText(ctx, tok.AccessToken, projectID, req.Prompt, cfg.ModelKey, cfg.AspectRatio, tier)
	}
	if err != nil {
		emit(ProgressChunk(fmt.Sprintf("❌ submission failed: %v\n", err)))
		emit(ErrorChunk(fmt.Sprintf("submission failed: %v", err)))
		return err
	}
	if len(operations) == 0 {
		emit(ErrorChunk("generation task creation failed"))
		return errors.New("generation task creation failed")
	}

	taskID := operations[0].Operation.Name
	if _, err := o.storage.CreateTask(token.Task{
		TaskID:  taskID,
		TokenID: tok.ID,
		Model:   cfg.ModelKey,
		Prompt:  req.Prompt,
		Status:  token.TaskProcessing,
		SceneID: operations[0].SceneID,
	}); err != nil {
		log.Printf("[GENERATION] task persist failed: %v", err)
	}

	emit(ProgressChunk("Generating video...\n"))
	return o.pollVideo(ctx, tok, taskID, operations, emit)
}

// pollVideo drives the status loop until the operation reaches a
// terminal state or the attempt budget runs out.
func (o *Orchestrator) pollVideo(ctx context.Context, tok *token.Token, taskID string, operations []flow.Operation, emit Emit) error {
	for attempt := 0; attempt < o.opts.MaxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.opts.PollInterval):
		}
		metrics.PollAttempts.Inc()

		checked, err := o.client.CheckVideoStatus(ctx, tok.AccessToken, operations)
		if err != nil {
			if flow.IsRateLimited(err) {
				return err
			}
			log.Printf("[GENERATION] poll error: %v", err)
			continue
		}
		if len(checked) == 0 {
			continue
		}
		op := checked[0]

		if attempt%o.opts.ProgressInterval == 0 {
			progress := attempt * 100 / o.opts.MaxPollAttempts
			if progress > 95 {
				progress = 95
			}
			emit(ProgressChunk(fmt.Sprintf("Generation progress: %d%%\n", progress)))
		}

		switch {
		case op.Status == flow.StatusSuccessful:
			videoURL := op.VideoURL()
			if videoURL == "" {
				emit(ErrorChunk("video URL missing from completed generation"))
				return errors.New("video URL missing from completed generation")
			}
			localURL := o.cacheResult(ctx, videoURL, "video", emit)
			if err := o.storage.CompleteTask(taskID, []string{localURL}); err != nil {
				log.Printf("[GENERATION] task complete update failed: %v", err)
			}
			emit(ContentChunk(VideoMarkdown(localURL)))
			return nil

		case op.Status == flow.StatusFailed:
			msg := "unknown error"
			code := 0
			if op.Operation.Error != nil {
				msg = op.Operation.Error.Message
				code = op.Operation.Error.Code
			}
			if err := o.storage.FailTask(taskID, fmt.Sprintf("%s (code: %d)", msg, code)); err != nil {
				log.Printf("[GENERATION] task fail update failed: %v", err)
			}
			friendly := fmt.Sprintf("video generation failed: %s, please retry", msg)
			emit(ProgressChunk("❌ " + friendly + "\n"))
			emit(ErrorChunk(friendly))
			return errors.New(friendly)

		case strings.HasPrefix(op.Status, flow.StatusErrorPrefix):
			msg := fmt.Sprintf("video generation failed: %s", op.Status)
			emit(ErrorChunk(msg))
			if err := o.storage.FailTask(taskID, op.Status); err != nil {
				log.Printf("[GENERATION] task fail update failed: %v", err)
			}
			return errors.New(msg)
		}
	}

	msg := fmt.Sprintf("video generation timed out after %d polls", o.opts.MaxPollAttempts)
	if o.opts.MarkTimeoutFailed {
		if err := o.storage.FailTask(taskID, msg); err != nil {
			log.Printf("[GENERATION] task fail update failed: %v", err)
		}
	}
	emit(ErrorChunk(msg))
	return errors.New(msg)
}

// cacheResult downloads the upstream URL into the local cache and
// rewrites it to a served address. Cache trouble never fails the
// generation, the original URL is returned instead.
func (o *Orchestrator) cacheResult(ctx context.Context, upstreamURL, mediaKind string, emit Emit) string {
	if !o.opts.CacheEnabled || o.cache == nil {
		emit(ProgressChunk("Cache disabled, returning the source link...\n"))
		return upstreamURL
	}
	emit(ProgressChunk(fmt.Sprintf("Caching %s...\n", mediaKind)))
	filename, err := o.cache.Fetch(ctx, upstreamURL, mediaKind)
	if err != nil {
		log.Printf("[GENERATION] cache failed for %s: %v", mediaKind, err)
		emit(ProgressChunk(fmt.Sprintf("⚠️ cache failed: %v\nreturning the source link...\n", err)))
		return upstreamURL
	}
	emit(ProgressChunk(fmt.Sprintf("✅ %s cached, returning local address...\n", mediaKind)))
	return fmt.Sprintf("%s/tmp/%s", strings.TrimRight(o.opts.BaseURL, "/"), filename)
}
