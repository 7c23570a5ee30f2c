package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"tokenrelay/internal/openai"

	"golang.org/x/sync/semaphore"
)

// Error taxonomy types surfaced in the OpenAI error envelope.
const (
	ErrorTypeInvalidRequest = "invalid_request_error"
	ErrorTypeServer         = "server_error"
)

// maxImageFetchBytes bounds how much of a remote image is read.
const maxImageFetchBytes = 20 << 20

// Error is a typed backend failure carrying the status code and envelope
// fields the edge maps it to.
type Error struct {
	Message    string
	Type       string
	StatusCode int
	Param      string
}

// Error implements the error interface.
func (e *Error) Error() string { return e.Message }

// Client translates OpenAI-shaped requests to the backend's native shape
// and back. A process-wide semaphore bounds in-flight backend calls; the
// backend is compute-bound on a single accelerator, so additional callers
// block rather than fan in.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	fetchClient *http.Client
	sem         *semaphore.Weighted
}

// NewClient constructs a Client for the backend at baseURL allowing up to
// maxConcurrent in-flight calls.
func NewClient(baseURL string, maxConcurrent int64) *Client {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		ResponseHeaderTimeout: 120 * time.Second,
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Transport: transport},
		fetchClient: &http.Client{Timeout: 30 * time.Second},
		sem:         semaphore.NewWeighted(maxConcurrent),
	}
}

// ollamaMessage is one chat turn in the backend's native shape.
type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// ollamaOptions maps the OpenAI sampling parameters onto the backend names.
type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// ollamaChatRequest is the backend's native chat payload.
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
	Format   string          `json:"format,omitempty"`
}

// ollamaChatResponse is the backend's native reply, buffered or one stream
// line. Token counts arrive as prompt_eval_count and eval_count.
type ollamaChatResponse struct {
	Model           string        `json:"model"`
	CreatedAt       string        `json:"created_at"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int64         `json:"prompt_eval_count"`
	EvalCount       int64         `json:"eval_count"`
}

// translateRequest converts an OpenAI-shaped request into the backend
// payload. Image parts become a parallel base64 images array; a fetch
// failure on a client-supplied URL is a client error, not a server error.
func (c *Client) translateRequest(ctx context.Context, req *openai.ChatRequest) (*ollamaChatRequest, error) {
	messages := make([]ollamaMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if !msg.Content.Multi {
			messages = append(messages, ollamaMessage{Role: msg.Role, Content: msg.Content.Text})
			continue
		}

		var textParts []string
		var images []string
		for _, part := range msg.Content.Parts {
			switch part.Type {
			case openai.ContentPartText:
				if part.Text != "" {
					textParts = append(textParts, part.Text)
				}
			case openai.ContentPartImageURL:
				if part.ImageURL == nil || part.ImageURL.URL == "" {
					continue
				}
				image, errImage := c.processImage(ctx, part.ImageURL.URL)
				if errImage != nil {
					return nil, errImage
				}
				images = append(images, image)
			}
		}
		messages = append(messages, ollamaMessage{
			Role:    msg.Role,
			Content: strings.Join(textParts, " "),
			Images:  images,
		})
	}

	payload := &ollamaChatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   req.Stream,
	}

	options := &ollamaOptions{
		Temperature: req.Temperature,
		NumPredict:  req.MaxTokens,
		TopP:        req.TopP,
		Stop:        []string(req.Stop),
	}
	if options.Temperature != nil || options.NumPredict != nil || options.TopP != nil || len(options.Stop) > 0 {
		payload.Options = options
	}

	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object" {
		payload.Format = "json"
	}

	return payload, nil
}

// processImage turns an image reference into the raw base64 payload the
// backend expects. data: URIs are split; http(s) URLs are fetched and
// encoded.
func (c *Client) processImage(ctx context.Context, url string) (string, error) {
	if strings.HasPrefix(url, "data:") {
		idx := strings.Index(url, ",")
		if idx < 0 {
			return "", &Error{
				Message:    "Invalid data URI in image_url",
				Type:       ErrorTypeInvalidRequest,
				StatusCode: http.StatusBadRequest,
				Param:      "messages",
			}
		}
		return url[idx+1:], nil
	}

	fetchReq, errNew := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if errNew != nil {
		return "", &Error{
			Message:    "Invalid image URL",
			Type:       ErrorTypeInvalidRequest,
			StatusCode: http.StatusBadRequest,
			Param:      "messages",
		}
	}
	resp, errDo := c.fetchClient.Do(fetchReq)
	if errDo != nil {
		return "", &Error{
			Message:    "Unable to fetch image URL",
			Type:       ErrorTypeInvalidRequest,
			StatusCode: http.StatusBadRequest,
			Param:      "messages",
		}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &Error{
			Message:    fmt.Sprintf("Image URL returned status %d", resp.StatusCode),
			Type:       ErrorTypeInvalidRequest,
			StatusCode: http.StatusBadRequest,
			Param:      "messages",
		}
	}
	body, errRead := io.ReadAll(io.LimitReader(resp.Body, maxImageFetchBytes))
	if errRead != nil {
		return "", &Error{
			Message:    "Unable to read image URL",
			Type:       ErrorTypeInvalidRequest,
			StatusCode: http.StatusBadRequest,
			Param:      "messages",
		}
	}
	return base64.StdEncoding.EncodeToString(body), nil
}

// Chat sends a buffered chat completion to the backend and returns the
// OpenAI-shaped reply. The call blocks on the admission semaphore.
func (c *Client) Chat(ctx context.Context, req *openai.ChatRequest) (*openai.ChatCompletion, error) {
	payload, errTranslate := c.translateRequest(ctx, req)
	if errTranslate != nil {
		return nil, errTranslate
	}
	payload.Stream = false

	if errAcquire := c.sem.Acquire(ctx, 1); errAcquire != nil {
		return nil, errAcquire
	}
	defer c.sem.Release(1)

	body, errMarshal := json.Marshal(payload)
	if errMarshal != nil {
		return nil, fmt.Errorf("backend: marshal request: %w", errMarshal)
	}
	httpReq, errNew := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if errNew != nil {
		return nil, fmt.Errorf("backend: build request: %w", errNew)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, errDo := c.httpClient.Do(httpReq)
	if errDo != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, unavailableError()
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, req.Model)
	}

	var native ollamaChatResponse
	if errDecode := json.NewDecoder(resp.Body).Decode(&native); errDecode != nil {
		return nil, unavailableError()
	}

	return transformResponse(&native, req.Model), nil
}

// ListModels proxies the backend model listing in OpenAI shape.
func (c *Client) ListModels(ctx context.Context) (*openai.ModelList, error) {
	httpReq, errNew := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if errNew != nil {
		return nil, fmt.Errorf("backend: build request: %w", errNew)
	}
	resp, errDo := c.httpClient.Do(httpReq)
	if errDo != nil {
		return nil, unavailableError()
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, "")
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if errDecode := json.NewDecoder(resp.Body).Decode(&tags); errDecode != nil {
		return nil, unavailableError()
	}

	list := &openai.ModelList{Object: "list", Data: make([]openai.Model, 0, len(tags.Models))}
	for _, model := range tags.Models {
		list.Data = append(list.Data, openai.Model{
			ID:      model.Name,
			Object:  "model",
			Created: 0,
			OwnedBy: "ollama",
		})
	}
	return list, nil
}

// transformResponse converts a buffered backend reply into OpenAI shape.
func transformResponse(native *ollamaChatResponse, model string) *openai.ChatCompletion {
	role := native.Message.Role
	if role == "" {
		role = "assistant"
	}
	var finish *string
	if native.Done {
		stop := "stop"
		finish = &stop
	}
	return &openai.ChatCompletion{
		ID:      "chatcmpl-" + native.CreatedAt,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.Choice{
			{
				Index:        0,
				Message:      openai.AssistantMessage{Role: role, Content: native.Message.Content},
				FinishReason: finish,
			},
		},
		Usage: &openai.Usage{
			PromptTokens:     native.PromptEvalCount,
			CompletionTokens: native.EvalCount,
			TotalTokens:      native.PromptEvalCount + native.EvalCount,
		},
	}
}

// transformChunk converts one backend stream line into an OpenAI-shaped
// frame. The terminal frame carries the usage object when requested.
func transformChunk(native *ollamaChatResponse, model string, includeUsage bool) *openai.Chunk {
	var role, content *string
	var finish *string
	if native.Done {
		stop := "stop"
		finish = &stop
	} else {
		if native.Message.Role != "" {
			r := native.Message.Role
			role = &r
		}
		c := native.Message.Content
		content = &c
	}

	chunk := &openai.Chunk{
		ID:      "chatcmpl-" + native.CreatedAt,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.ChunkChoice{
			{
				Index:        0,
				Delta:        openai.Delta{Role: role, Content: content},
				FinishReason: finish,
			},
		},
	}

	if native.Done && includeUsage {
		chunk.Usage = &openai.Usage{
			PromptTokens:     native.PromptEvalCount,
			CompletionTokens: native.EvalCount,
			TotalTokens:      native.PromptEvalCount + native.EvalCount,
		}
	}

	return chunk
}

// statusError maps a backend HTTP status onto the error taxonomy.
func statusError(statusCode int, model string) *Error {
	switch {
	case statusCode == http.StatusNotFound:
		return &Error{
			Message:    fmt.Sprintf("Model '%s' not found", model),
			Type:       ErrorTypeInvalidRequest,
			StatusCode: http.StatusNotFound,
			Param:      "model",
		}
	case statusCode == http.StatusBadRequest:
		return &Error{
			Message:    "Invalid request to backend",
			Type:       ErrorTypeInvalidRequest,
			StatusCode: http.StatusBadRequest,
		}
	default:
		return &Error{
			Message:    "Backend server error",
			Type:       ErrorTypeServer,
			StatusCode: http.StatusBadGateway,
		}
	}
}

// unavailableError is the transport-failure gateway error.
func unavailableError() *Error {
	return &Error{
		Message:    "Unable to connect to backend server",
		Type:       ErrorTypeServer,
		StatusCode: http.StatusBadGateway,
	}
}
