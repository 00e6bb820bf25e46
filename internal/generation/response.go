package generation

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

const responseModel = "flow2api"

type chunkDelta struct {
	Role             string `json:"role,omitempty"`
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type streamChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

func sseChunk(delta chunkDelta, finishReason *string) string {
	chunk := streamChunk{
		ID:      fmt.Sprintf("chatcmpl-%d", time.Now().Unix()),
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   responseModel,
		Choices: []chunkChoice{{Delta: delta, FinishReason: finishReason}},
	}
	data, _ := json.Marshal(chunk)
	return "data: " + string(data) + "\n\n"
}

// ProgressChunk carries interim status text in reasoning_content so
// OpenAI clients render it as thinking output.
func ProgressChunk(text string) string {
	return sseChunk(chunkDelta{Role: "assistant", ReasoningContent: text}, nil)
}

// ContentChunk delivers the final markdown payload and closes the stream
func ContentChunk(content string) string {
	stop := "stop"
	return sseChunk(chunkDelta{Role: "assistant", Content: content}, &stop)
}

// StreamDone is the SSE terminator
const StreamDone = "data: [DONE]\n\n"

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionChoice struct {
	Index        int               `json:"index"`
	Message      completionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

// Completion is a non-stream chat completion response
type Completion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
}

func NewCompletion(content string) Completion {
	return Completion{
		ID:      fmt.Sprintf("chatcmpl-%d", time.Now().Unix()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   responseModel,
		Choices: []completionChoice{{
			Message:      completionMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
	}
}

// ImageMarkdown renders a generated image URL as inline markdown
func ImageMarkdown(url string) string {
	return fmt.Sprintf("![Generated Image](%s)", url)
}

// VideoMarkdown renders a generated video URL as an embeddable html tag
func VideoMarkdown(url string) string {
	return fmt.Sprintf("<video src='%s' controls style='max-width:100%%'></video>", url)
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// ErrorEnvelope is the OpenAI-style error response body
type ErrorEnvelope struct {
	Error errorBody `json:"error"`
}

func NewError(message string) ErrorEnvelope {
	return ErrorEnvelope{Error: errorBody{
		Message: message,
		Type:    "invalid_request_error",
		Code:    "generation_failed",
	}}
}

// ErrorChunk wraps an error envelope as an SSE event
func ErrorChunk(message string) string {
	data, _ := json.Marshal(NewError(message))
	return "data: " + string(data) + "\n\n"
}
