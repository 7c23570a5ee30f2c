package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"tokenrelay/internal/openai"
)

// streamScanBuffer sizes the line scanner; one backend line per frame.
const streamScanBuffer = 1 << 20

// Frame is one element of a backend stream, already in OpenAI shape.
// Usage is populated on the terminal frame regardless of the client's
// include_usage preference so the tracker always sees exact counts.
type Frame struct {
	Chunk *openai.Chunk
	Usage *openai.Usage
	Final bool
}

// Stream yields frames from an in-flight backend streaming call. Close
// releases the admission permit and the response body; it is safe to call
// more than once and must be called on every exit path.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	release func()

	model        string
	includeUsage bool
	closed       bool
}

// ChatStream sends a streaming chat completion to the backend. The call
// blocks on the admission semaphore; the permit is held until the returned
// stream is closed.
func (c *Client) ChatStream(ctx context.Context, req *openai.ChatRequest) (*Stream, error) {
	payload, errTranslate := c.translateRequest(ctx, req)
	if errTranslate != nil {
		return nil, errTranslate
	}
	payload.Stream = true

	if errAcquire := c.sem.Acquire(ctx, 1); errAcquire != nil {
		return nil, errAcquire
	}
	release := func() { c.sem.Release(1) }

	body, errMarshal := json.Marshal(payload)
	if errMarshal != nil {
		release()
		return nil, fmt.Errorf("backend: marshal request: %w", errMarshal)
	}
	httpReq, errNew := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if errNew != nil {
		release()
		return nil, fmt.Errorf("backend: build request: %w", errNew)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, errDo := c.httpClient.Do(httpReq)
	if errDo != nil {
		release()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, unavailableError()
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		release()
		return nil, statusError(resp.StatusCode, req.Model)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), streamScanBuffer)

	return &Stream{
		body:         resp.Body,
		scanner:      scanner,
		release:      release,
		model:        req.Model,
		includeUsage: req.IncludeUsage(),
	}, nil
}

// Recv returns the next frame. It returns io.EOF when the backend closes
// the stream without a terminal frame, and a typed backend error on a
// mid-stream transport failure.
func (s *Stream) Recv() (*Frame, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var native ollamaChatResponse
		if errDecode := json.Unmarshal(line, &native); errDecode != nil {
			continue
		}

		frame := &Frame{Chunk: transformChunk(&native, s.model, s.includeUsage)}
		if native.Done {
			frame.Final = true
			frame.Usage = &openai.Usage{
				PromptTokens:     native.PromptEvalCount,
				CompletionTokens: native.EvalCount,
				TotalTokens:      native.PromptEvalCount + native.EvalCount,
			}
		}
		return frame, nil
	}

	if errScan := s.scanner.Err(); errScan != nil {
		return nil, &Error{
			Message:    "Stream interrupted",
			Type:       ErrorTypeServer,
			StatusCode: http.StatusBadGateway,
		}
	}
	return nil, io.EOF
}

// Close releases the backend permit and the underlying body.
func (s *Stream) Close() {
	if s.closed {
		return
	}
	s.closed = true
	_ = s.body.Close()
	s.release()
}
