package openai

import (
	"encoding/json"
	"fmt"
)

// Content part type tags.
const (
	ContentPartText     = "text"
	ContentPartImageURL = "image_url"
)

// ImageURL wraps an image reference, either a data: URI or an http(s) URL.
type ImageURL struct {
	URL string `json:"url"`
}

// ContentPart is one element of a multimodal message body.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// MessageContent is the inbound message body: either a plain string or a
// list of typed parts. Multi distinguishes an empty part list from an empty
// string so round-trips stay faithful.
type MessageContent struct {
	Text  string
	Parts []ContentPart
	Multi bool
}

// UnmarshalJSON accepts both content shapes.
func (m *MessageContent) UnmarshalJSON(data []byte) error {
	var text string
	if errText := json.Unmarshal(data, &text); errText == nil {
		m.Text = text
		m.Parts = nil
		m.Multi = false
		return nil
	}

	var parts []ContentPart
	if errParts := json.Unmarshal(data, &parts); errParts == nil {
		m.Text = ""
		m.Parts = parts
		m.Multi = true
		return nil
	}

	return fmt.Errorf("openai: content must be a string or a part list")
}

// MarshalJSON emits whichever shape was parsed.
func (m MessageContent) MarshalJSON() ([]byte, error) {
	if m.Multi {
		return json.Marshal(m.Parts)
	}
	return json.Marshal(m.Text)
}

// Message is one chat turn in the inbound request.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// StopList accepts the stop parameter as either a string or a string list.
type StopList []string

// UnmarshalJSON accepts both stop shapes.
func (s *StopList) UnmarshalJSON(data []byte) error {
	var single string
	if errSingle := json.Unmarshal(data, &single); errSingle == nil {
		*s = StopList{single}
		return nil
	}
	var many []string
	if errMany := json.Unmarshal(data, &many); errMany == nil {
		*s = StopList(many)
		return nil
	}
	return fmt.Errorf("openai: stop must be a string or a string list")
}

// ResponseFormat selects the completion output format.
type ResponseFormat struct {
	Type string `json:"type"`
}

// StreamOptions carries streaming preferences.
type StreamOptions struct {
	IncludeUsage *bool `json:"include_usage,omitempty"`
}

// ChatRequest is the OpenAI-shaped chat completion request.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Stream           bool            `json:"stream"`
	Temperature      *float64        `json:"temperature,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	Stop             StopList        `json:"stop,omitempty"`
	ResponseFormat   *ResponseFormat `json:"response_format,omitempty"`
	StreamOptions    *StreamOptions  `json:"stream_options,omitempty"`
}

// IncludeUsage reports whether the terminal stream frame should carry a
// usage object. Defaults to true when the client did not specify.
func (r *ChatRequest) IncludeUsage() bool {
	if r.StreamOptions == nil || r.StreamOptions.IncludeUsage == nil {
		return true
	}
	return *r.StreamOptions.IncludeUsage
}

// Usage carries token counts on completions and terminal stream frames.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// AssistantMessage is the reply body in a buffered completion.
type AssistantMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Choice is one completion alternative in a buffered reply.
type Choice struct {
	Index        int              `json:"index"`
	Message      AssistantMessage `json:"message"`
	FinishReason *string          `json:"finish_reason"`
}

// ChatCompletion is the OpenAI-shaped buffered reply.
type ChatCompletion struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Delta is the incremental message body on a stream frame.
type Delta struct {
	Role    *string `json:"role"`
	Content *string `json:"content"`
}

// ChunkChoice is one completion alternative on a stream frame.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Chunk is one OpenAI-shaped streaming frame.
type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// ErrorDetail is the inner error payload of the error envelope.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
}

// ErrorEnvelope is the uniform failure body.
type ErrorEnvelope struct {
	Error ErrorDetail `json:"error"`
}

// Model is one entry in the model list.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the OpenAI-shaped model listing.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// PlainText flattens a message body to its text parts joined by spaces.
func (m *MessageContent) PlainText() string {
	if !m.Multi {
		return m.Text
	}
	out := ""
	for _, part := range m.Parts {
		if part.Type != ContentPartText || part.Text == "" {
			continue
		}
		if out != "" {
			out += " "
		}
		out += part.Text
	}
	return out
}
