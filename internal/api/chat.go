package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"flow2api/internal/generation"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
)

// chatMessage content is either a plain string or an array of typed
// parts (text and image_url), so it stays raw until parsed.
type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// parsePrompt extracts the prompt text and any attached images from the
// last user message. Images arrive as data URLs or as plain http(s)
// URLs that get fetched.
func parsePrompt(messages []chatMessage) (string, [][]byte, error) {
	var last *chatMessage
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			last = &messages[i]
			break
		}
	}
	if last == nil {
		return "", nil, errors.New("no user message found")
	}

	var text string
	if err := json.Unmarshal(last.Content, &text); err == nil {
		return text, nil, nil
	}

	var parts []contentPart
	if err := json.Unmarshal(last.Content, &parts); err != nil {
		return "", nil, errors.New("unsupported message content format")
	}

	var prompt strings.Builder
	var images [][]byte
	for _, part := range parts {
		switch part.Type {
		case "text":
			prompt.WriteString(part.Text)
		case "image_url":
			data, err := resolveImage(part.ImageURL.URL)
			if err != nil {
				return "", nil, fmt.Errorf("image ingestion failed: %w", err)
			}
			images = append(images, data)
		}
	}
	return prompt.String(), images, nil
}

func resolveImage(url string) ([]byte, error) {
	if strings.HasPrefix(url, "data:") {
		idx := strings.Index(url, "base64,")
		if idx < 0 {
			return nil, errors.New("data URL is not base64 encoded")
		}
		return base64.StdEncoding.DecodeString(url[idx+len("base64,"):])
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image fetch returned HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// ChatCompletions serves the OpenAI-compatible generation endpoint.
// Streaming requests run a full generation; non-stream requests only
// report token availability for the requested model.
func (h *Handler) ChatCompletions(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, generation.NewError(err.Error()))
		return
	}

	prompt, images, err := parsePrompt(req.Messages)
	if err != nil {
		c.JSON(400, generation.NewError(err.Error()))
		return
	}

	if !req.Stream {
		completion, ok := h.orchestrator.Probe(c.Request.Context(), req.Model)
		if !ok {
			c.JSON(400, generation.NewError(fmt.Sprintf("unsupported model: %s", req.Model)))
			return
		}
		c.JSON(200, completion)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(500, generation.NewError("streaming unsupported"))
		return
	}

	h.orchestrator.Generate(c.Request.Context(), generation.Request{
		Model:  req.Model,
		Prompt: prompt,
		Images: images,
	}, func(chunk string) {
		if _, err := io.WriteString(c.Writer, chunk); err != nil {
			log.Printf("[API] stream write failed: %v", err)
			return
		}
		flusher.Flush()
	})

	io.WriteString(c.Writer, generation.StreamDone)
	flusher.Flush()
}

// Models lists the accepted model names in OpenAI format
func (h *Handler) Models(c *gin.Context) {
	names := generation.ModelNames()
	models := make([]gin.H, 0, len(names))
	now := time.Now().Unix()
	for _, name := range names {
		models = append(models, gin.H{
			"id":       name,
			"object":   "model",
			"created":  now,
			"owned_by": "flow2api",
		})
	}
	c.JSON(200, gin.H{"object": "list", "data": models})
}

// ServeCached serves a cached media file from the tmp directory
func (h *Handler) ServeCached(c *gin.Context) {
	filename := c.Param("file")
	if strings.Contains(filename, "/") || strings.Contains(filename, "..") {
		c.JSON(400, gin.H{"error": "invalid filename"})
		return
	}
	c.File(h.cache.Path(filename))
}
