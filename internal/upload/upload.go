package upload

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"tokenrelay/internal/openai"
)

// Error is a typed ingestion failure carrying the status the edge maps it
// to: 400 for malformed fields, 413 for oversize payloads, 415 for
// disallowed image types.
type Error struct {
	Message    string
	StatusCode int
	Param      string
}

// Error implements the error interface.
func (e *Error) Error() string { return e.Message }

// Ingestor parses a multipart upload into a normalized chat request. The
// uploaded images become data: URI image_url parts on the last user
// message, after which the standard pipeline applies.
type Ingestor struct {
	maxBytes     int64
	allowedTypes map[string]struct{}
}

// NewIngestor constructs an Ingestor with a byte ceiling and an image MIME
// allow-list.
func NewIngestor(maxBytes int64, allowedTypes []string) *Ingestor {
	allowed := make(map[string]struct{}, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	return &Ingestor{maxBytes: maxBytes, allowedTypes: allowed}
}

// Parse reads the multipart form and returns the normalized request.
func (i *Ingestor) Parse(r *http.Request) (*openai.ChatRequest, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, i.maxBytes)
	if errParse := r.ParseMultipartForm(i.maxBytes); errParse != nil {
		if strings.Contains(errParse.Error(), "request body too large") {
			return nil, &Error{
				Message:    fmt.Sprintf("Upload exceeds the %d byte limit", i.maxBytes),
				StatusCode: http.StatusRequestEntityTooLarge,
				Param:      "files",
			}
		}
		return nil, &Error{
			Message:    "Invalid multipart form",
			StatusCode: http.StatusBadRequest,
		}
	}

	model := strings.TrimSpace(r.FormValue("model"))
	if model == "" {
		return nil, &Error{
			Message:    "model is required",
			StatusCode: http.StatusBadRequest,
			Param:      "model",
		}
	}

	req := &openai.ChatRequest{Model: model}

	if raw := strings.TrimSpace(r.FormValue("messages")); raw != "" {
		if errDecode := json.Unmarshal([]byte(raw), &req.Messages); errDecode != nil {
			return nil, &Error{
				Message:    "messages must be a JSON message list",
				StatusCode: http.StatusBadRequest,
				Param:      "messages",
			}
		}
	}

	switch strings.ToLower(strings.TrimSpace(r.FormValue("stream"))) {
	case "true", "1", "yes":
		req.Stream = true
	}

	var parts []openai.ContentPart
	if r.MultipartForm != nil {
		for _, header := range r.MultipartForm.File["files"] {
			part, errFile := i.ingestFile(header)
			if errFile != nil {
				return nil, errFile
			}
			parts = append(parts, part)
		}
	}
	if len(parts) > 0 {
		attachImages(req, parts)
	}

	if len(req.Messages) == 0 {
		return nil, &Error{
			Message:    "messages is required",
			StatusCode: http.StatusBadRequest,
			Param:      "messages",
		}
	}

	return req, nil
}

// ingestFile validates one uploaded image and converts it into a data: URI
// image part.
func (i *Ingestor) ingestFile(header *multipart.FileHeader) (openai.ContentPart, error) {
	if header.Size > i.maxBytes {
		return openai.ContentPart{}, &Error{
			Message:    fmt.Sprintf("File %s exceeds the %d byte limit", header.Filename, i.maxBytes),
			StatusCode: http.StatusRequestEntityTooLarge,
			Param:      "files",
		}
	}

	file, errOpen := header.Open()
	if errOpen != nil {
		return openai.ContentPart{}, &Error{
			Message:    fmt.Sprintf("Unable to read file %s", header.Filename),
			StatusCode: http.StatusBadRequest,
			Param:      "files",
		}
	}
	defer func() { _ = file.Close() }()

	data, errRead := io.ReadAll(io.LimitReader(file, i.maxBytes+1))
	if errRead != nil {
		return openai.ContentPart{}, &Error{
			Message:    fmt.Sprintf("Unable to read file %s", header.Filename),
			StatusCode: http.StatusBadRequest,
			Param:      "files",
		}
	}
	if int64(len(data)) > i.maxBytes {
		return openai.ContentPart{}, &Error{
			Message:    fmt.Sprintf("File %s exceeds the %d byte limit", header.Filename, i.maxBytes),
			StatusCode: http.StatusRequestEntityTooLarge,
			Param:      "files",
		}
	}

	mimeType := i.detectType(header, data)
	if _, ok := i.allowedTypes[mimeType]; !ok {
		return openai.ContentPart{}, &Error{
			Message:    fmt.Sprintf("File type %s is not allowed", mimeType),
			StatusCode: http.StatusUnsupportedMediaType,
			Param:      "files",
		}
	}

	uri := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
	return openai.ContentPart{
		Type:     openai.ContentPartImageURL,
		ImageURL: &openai.ImageURL{URL: uri},
	}, nil
}

// detectType prefers the declared Content-Type and falls back to content
// sniffing when the part omits it.
func (i *Ingestor) detectType(header *multipart.FileHeader, data []byte) string {
	declared := strings.ToLower(strings.TrimSpace(header.Header.Get("Content-Type")))
	if declared != "" && declared != "application/octet-stream" {
		if idx := strings.Index(declared, ";"); idx >= 0 {
			declared = strings.TrimSpace(declared[:idx])
		}
		return declared
	}
	sniffed := http.DetectContentType(data)
	if idx := strings.Index(sniffed, ";"); idx >= 0 {
		sniffed = strings.TrimSpace(sniffed[:idx])
	}
	return strings.ToLower(sniffed)
}

// attachImages appends the image parts to the last user message, lifting a
// plain-string body into the part list shape first. Without a user message
// the images become a new user turn.
func attachImages(req *openai.ChatRequest, images []openai.ContentPart) {
	for idx := len(req.Messages) - 1; idx >= 0; idx-- {
		msg := &req.Messages[idx]
		if msg.Role != "user" {
			continue
		}
		if !msg.Content.Multi {
			var parts []openai.ContentPart
			if msg.Content.Text != "" {
				parts = append(parts, openai.ContentPart{Type: openai.ContentPartText, Text: msg.Content.Text})
			}
			msg.Content = openai.MessageContent{Parts: parts, Multi: true}
		}
		msg.Content.Parts = append(msg.Content.Parts, images...)
		return
	}

	req.Messages = append(req.Messages, openai.Message{
		Role:    "user",
		Content: openai.MessageContent{Parts: images, Multi: true},
	})
}
