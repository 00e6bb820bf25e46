package flow

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"flow2api/internal/proxypool"
)

// Media generation statuses reported by the upstream poll endpoint
const (
	StatusSuccessful  = "MEDIA_GENERATION_STATUS_SUCCESSFUL"
	StatusFailed      = "MEDIA_GENERATION_STATUS_FAILED"
	StatusErrorPrefix = "MEDIA_GENERATION_STATUS_ERROR"
)

// APIError carries the upstream HTTP status so catch sites can tell a
// rate limit apart from a generic failure.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("flow api: HTTP %d: %s", e.StatusCode, truncate(e.Body, 200))
}

// IsRateLimited reports whether err is an upstream 429
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ProofTokenProvider is the opaque captcha collaborator. Failures are
// best-effort: a missing proof token degrades the submission rather
// than aborting it.
type ProofTokenProvider interface {
	GetProofToken(ctx context.Context, projectID string) (string, error)
}

// Client talks to the upstream generation API. Every outbound call
// routes through the proxy rotator and presents the stable per-account
// identity for the credential in use.
type Client struct {
	labsBaseURL string
	apiBaseURL  string
	timeout     time.Duration
	rotator     *proxypool.Rotator
	captcha     ProofTokenProvider // optional
}

// NewClient creates an upstream client
func NewClient(labsBaseURL, apiBaseURL string, timeoutSec int, rotator *proxypool.Rotator) *Client {
	if timeoutSec <= 0 {
		timeoutSec = 120
	}
	return &Client{
		labsBaseURL: strings.TrimRight(labsBaseURL, "/"),
		apiBaseURL:  strings.TrimRight(apiBaseURL, "/"),
		timeout:     time.Duration(timeoutSec) * time.Second,
		rotator:     rotator,
	}
}

// SetProofTokenProvider installs the captcha collaborator
func (c *Client) SetProofTokenProvider(p ProofTokenProvider) {
	c.captcha = p
}

type authMode int

const (
	authNone authMode = iota
	authSession       // cookie with the long-lived session credential
	authAccess        // bearer with the short-lived access credential
)

// doRequest sends one call through the current egress address with the
// per-account identity attached.
func (c *Client) doRequest(ctx context.Context, method, rawURL string, payload any, mode authMode, credential string) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", IdentityFor(accountKey(credential)))
	switch mode {
	case authSession:
		req.Header.Set("Cookie", "__Secure-next-auth.session-token="+credential)
	case authAccess:
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	proxyURL, proxyID, err := c.rotator.Next()
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: c.timeout}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %q: %w", proxyURL, err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(parsed)}
	}

	resp, err := client.Do(req)
	if err != nil {
		_ = c.rotator.RecordResult(proxyID, false)
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		_ = c.rotator.RecordResult(proxyID, false)
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = c.rotator.RecordResult(proxyID, false)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	_ = c.rotator.RecordResult(proxyID, true)
	return respBody, nil
}

// sessionID builds the per-call session identifier: ";<unix-millis>"
func sessionID() string {
	return fmt.Sprintf(";%d", time.Now().UnixMilli())
}

func seed() int {
	return rand.Intn(99999) + 1
}

// proofToken fetches the anti-automation token, degrading to empty on
// any failure.
func (c *Client) proofToken(ctx context.Context, projectID string) string {
	if c.captcha == nil {
		return ""
	}
	tok, err := c.captcha.GetProofToken(ctx, projectID)
	if err != nil {
		log.Printf("[FLOW] proof token unavailable for project %s: %v", projectID, err)
		return ""
	}
	return tok
}

// ===== Auth =====

// ExchangeSession trades a session credential for an access credential
func (c *Client) ExchangeSession(ctx context.Context, sessionToken string) (string, time.Time, string, error) {
	body, err := c.doRequest(ctx, http.MethodGet, c.labsBaseURL+"/auth/session", nil, authSession, sessionToken)
	if err != nil {
		return "", time.Time{}, "", err
	}

	var result struct {
		AccessToken string `json:"access_token"`
		Expires     string `json:"expires"`
		User        struct {
			Email string `json:"email"`
			Name  string `json:"name"`
		} `json:"user"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", time.Time{}, "", err
	}
	if result.AccessToken == "" {
		return "", time.Time{}, "", errors.New("flow api: session exchange returned no access token")
	}

	expires, err := time.Parse(time.RFC3339, result.Expires)
	if err != nil {
		// Upstream expiry should parse; fall back to a short lifetime
		expires = time.Now().Add(30 * time.Minute)
	}
	return result.AccessToken, expires, result.User.Email, nil
}

// ===== Projects =====

// CreateProject creates an upstream project and returns its ID
func (c *Client) CreateProject(ctx context.Context, sessionToken, title string) (string, error) {
	payload := map[string]any{
		"json": map[string]any{
			"projectTitle": title,
			"toolName":     "PINHOLE",
		},
	}
	body, err := c.doRequest(ctx, http.MethodPost, c.labsBaseURL+"/trpc/project.createProject", payload, authSession, sessionToken)
	if err != nil {
		return "", err
	}

	var result struct {
		Result struct {
			Data struct {
				JSON struct {
					Result struct {
						ProjectID string `json:"projectId"`
					} `json:"result"`
				} `json:"json"`
			} `json:"data"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", err
	}
	projectID := result.Result.Data.JSON.Result.ProjectID
	if projectID == "" {
		return "", errors.New("flow api: create project returned no id")
	}
	return projectID, nil
}

// DeleteProject removes an upstream project
func (c *Client) DeleteProject(ctx context.Context, sessionToken, projectID string) error {
	payload := map[string]any{
		"json": map[string]any{
			"projectToDeleteId": projectID,
		},
	}
	_, err := c.doRequest(ctx, http.MethodPost, c.labsBaseURL+"/trpc/project.deleteProject", payload, authSession, sessionToken)
	return err
}

// ===== Credits =====

// GetCredits reports the remaining balance and account tier
func (c *Client) GetCredits(ctx context.Context, accessToken string) (int64, string, error) {
	body, err := c.doRequest(ctx, http.MethodGet, c.apiBaseURL+"/credits", nil, authAccess, accessToken)
	if err != nil {
		return 0, "", err
	}
	var result struct {
		Credits         int64  `json:"credits"`
		UserPaygateTier string `json:"userPaygateTier"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, "", err
	}
	return result.Credits, result.UserPaygateTier, nil
}

// ===== Upload =====

// customMethodURL appends an AIP-style ":method" suffix to the API base.
// The suffix must land in the path: a base with a bare authority would
// otherwise parse it as a port.
func (c *Client) customMethodURL(method string) string {
	base := c.apiBaseURL
	if u, err := url.Parse(base); err == nil && u.Path == "" {
		base += "/"
	}
	return base + ":" + method
}

// UploadImage uploads reference media and returns its media ID
func (c *Client) UploadImage(ctx context.Context, accessToken string, imageBytes []byte, aspectRatio string) (string, error) {
	// Video aspect ratios map onto their image equivalents for upload
	aspectRatio = strings.Replace(aspectRatio, "VIDEO_", "IMAGE_", 1)

	payload := map[string]any{
		"imageInput": map[string]any{
			"rawImageBytes":  base64.StdEncoding.EncodeToString(imageBytes),
			"mimeType":       "image/jpeg",
			"isUserUploaded": true,
			"aspectRatio":    aspectRatio,
		},
		"clientContext": map[string]any{
			"sessionId": sessionID(),
			"tool":      "ASSET_MANAGER",
		},
	}

	body, err := c.doRequest(ctx, http.MethodPost, c.customMethodURL("uploadUserImage"), payload, authAccess, accessToken)
	if err != nil {
		return "", err
	}

	var result struct {
		MediaGenerationID struct {
			MediaGenerationID string `json:"mediaGenerationId"`
		} `json:"mediaGenerationId"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", err
	}
	if result.MediaGenerationID.MediaGenerationID == "" {
		return "", errors.New("flow api: upload returned no media id")
	}
	return result.MediaGenerationID.MediaGenerationID, nil
}

// ===== Image generation (synchronous) =====

// ImageInput references an uploaded image in an image generation call
type ImageInput struct {
	Name           string `json:"name"`
	ImageInputType string `json:"imageInputType"`
}

// GenerateImage submits an image generation and returns the result URL
func (c *Client) GenerateImage(ctx context.Context, accessToken, projectID, prompt, modelName, aspectRatio string, imageInputs []ImageInput) (string, error) {
	recaptcha := c.proofToken(ctx, projectID)
	sid := sessionID()

	if imageInputs == nil {
		imageInputs = []ImageInput{}
	}
	request := map[string]any{
		"clientContext": map[string]any{
			"recaptchaToken": recaptcha,
			"projectId":      projectID,
			"sessionId":      sid,
			"tool":           "PINHOLE",
		},
		"seed":             seed(),
		"imageModelName":   modelName,
		"imageAspectRatio": aspectRatio,
		"prompt":           prompt,
		"imageInputs":      imageInputs,
	}
	payload := map[string]any{
		"clientContext": map[string]any{
			"recaptchaToken": recaptcha,
			"sessionId":      sid,
		},
		"requests": []any{request},
	}

	url := fmt.Sprintf("%s/projects/%s/flowMedia:batchGenerateImages", c.apiBaseURL, projectID)
	body, err := c.doRequest(ctx, http.MethodPost, url, payload, authAccess, accessToken)
	if err != nil {
		return "", err
	}

	var result struct {
		Media []struct {
			Image struct {
				GeneratedImage struct {
					FifeURL string `json:"fifeUrl"`
				} `json:"generatedImage"`
			} `json:"image"`
		} `json:"media"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", err
	}
	if len(result.Media) == 0 {
		return "", errors.New("flow api: image generation returned no media")
	}
	imageURL := result.Media[0].Image.GeneratedImage.FifeURL
	if imageURL == "" {
		return "", errors.New("flow api: image generation returned no url")
	}
	return imageURL, nil
}

// ===== Video generation (asynchronous) =====

// Operation is one async video job handle as the upstream represents it.
// The poll endpoint takes these back verbatim.
type Operation struct {
	Operation OperationRef `json:"operation"`
	SceneID   string       `json:"sceneId,omitempty"`
	Status    string       `json:"status,omitempty"`
}

// OperationRef names the job and, once terminal, carries its outcome
type OperationRef struct {
	Name     string          `json:"name"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Error    *OperationError `json:"error,omitempty"`
}

// OperationError is the upstream failure detail
type OperationError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// VideoURL extracts the result URL from a successful operation
func (o *Operation) VideoURL() string {
	if len(o.Operation.Metadata) == 0 {
		return ""
	}
	var meta struct {
		Video struct {
			FifeURL string `json:"fifeUrl"`
		} `json:"video"`
	}
	if err := json.Unmarshal(o.Operation.Metadata, &meta); err != nil {
		return ""
	}
	return meta.Video.FifeURL
}

// ReferenceImage references an uploaded image in a multi-reference call
type ReferenceImage struct {
	ImageUsageType string `json:"imageUsageType"`
	MediaID        string `json:"mediaId"`
}

func (c *Client) submitVideo(ctx context.Context, accessToken, projectID, tier, endpoint string, request map[string]any) ([]Operation, error) {
	recaptcha := c.proofToken(ctx, projectID)
	if tier == "" {
		tier = "PAYGATE_TIER_ONE"
	}

	payload := map[string]any{
		"clientContext": map[string]any{
			"recaptchaToken":  recaptcha,
			"sessionId":       sessionID(),
			"projectId":       projectID,
			"tool":            "PINHOLE",
			"userPaygateTier": tier,
		},
		"requests": []any{request},
	}

	body, err := c.doRequest(ctx, http.MethodPost, c.apiBaseURL+endpoint, payload, authAccess, accessToken)
	if err != nil {
		return nil, err
	}

	var result struct {
		Operations []Operation `json:"operations"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	if len(result.Operations) == 0 {
		return nil, errors.New("flow api: video submission returned no operations")
	}
	return result.Operations, nil
}

func videoRequest(prompt, modelKey, aspectRatio string) map[string]any {
	return map[string]any{
		"aspectRatio": aspectRatio,
		"seed":        seed(),
		"textInput": map[string]any{
			"prompt": prompt,
		},
		"videoModelKey": modelKey,
		"metadata": map[string]any{
			"sceneId": uuid.NewString(),
		},
	}
}

// GenerateVideoText submits a text-only video generation
func (c *Client) GenerateVideoText(ctx context.Context, accessToken, projectID, prompt, modelKey, aspectRatio, tier string) ([]Operation, error) {
	req := videoRequest(prompt, modelKey, aspectRatio)
	return c.submitVideo(ctx, accessToken, projectID, tier, "/video:batchAsyncGenerateVideoText", req)
}

// GenerateVideoStartImage submits a first-frame video generation
func (c *Client) GenerateVideoStartImage(ctx context.Context, accessToken, projectID, prompt, modelKey, aspectRatio, tier, startMediaID string) ([]Operation, error) {
	req := videoRequest(prompt, modelKey, aspectRatio)
	req["startImage"] = map[string]any{"mediaId": startMediaID}
	return c.submitVideo(ctx, accessToken, projectID, tier, "/video:batchAsyncGenerateVideoStartImage", req)
}

// GenerateVideoStartEnd submits a first-and-last-frame video generation
func (c *Client) GenerateVideoStartEnd(ctx context.Context, accessToken, projectID, prompt, modelKey, aspectRatio, tier, startMediaID, endMediaID string) ([]Operation, error) {
	req := videoRequest(prompt, modelKey, aspectRatio)
	req["startImage"] = map[string]any{"mediaId": startMediaID}
	req["endImage"] = map[string]any{"mediaId": endMediaID}
	return c.submitVideo(ctx, accessToken, projectID, tier, "/video:batchAsyncGenerateVideoStartAndEndImage", req)
}

// GenerateVideoReferences submits a multi-reference video generation
func (c *Client) GenerateVideoReferences(ctx context.Context, accessToken, projectID, prompt, modelKey, aspectRatio, tier string, refs []ReferenceImage) ([]Operation, error) {
	req := videoRequest(prompt, modelKey, aspectRatio)
	req["referenceImages"] = refs
	return c.submitVideo(ctx, accessToken, projectID, tier, "/video:batchAsyncGenerateVideoReferenceImages", req)
}

// CheckVideoStatus polls the status of submitted operations
func (c *Client) CheckVideoStatus(ctx context.Context, accessToken string, operations []Operation) ([]Operation, error) {
	payload := map[string]any{"operations": operations}
	body, err := c.doRequest(ctx, http.MethodPost, c.apiBaseURL+"/video:batchCheckAsyncVideoGenerationStatus", payload, authAccess, accessToken)
	if err != nil {
		return nil, err
	}

	var result struct {
		Operations []Operation `json:"operations"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	return result.Operations, nil
}

// DeleteMedia removes uploaded media by name
func (c *Client) DeleteMedia(ctx context.Context, sessionToken string, mediaNames []string) error {
	payload := map[string]any{
		"json": map[string]any{
			"names": mediaNames,
		},
	}
	_, err := c.doRequest(ctx, http.MethodPost, c.labsBaseURL+"/trpc/media.deleteMedia", payload, authSession, sessionToken)
	return err
}
