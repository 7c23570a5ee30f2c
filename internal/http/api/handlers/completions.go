package handlers

import (
	"net/http"

	"tokenrelay/internal/backend"
	relayhttp "tokenrelay/internal/http"
	"tokenrelay/internal/openai"
	"tokenrelay/internal/ratelimit"
	"tokenrelay/internal/tracker"
	"tokenrelay/internal/upload"
	"tokenrelay/internal/util"

	"github.com/gin-gonic/gin"
)

// promptPreviewLength bounds the diagnostic preview stored on usage rows.
const promptPreviewLength = 100

// CompletionHandler serves the chat-completion surface, buffered and
// streaming, plus the multipart upload variant.
type CompletionHandler struct {
	client   *backend.Client
	limiter  *ratelimit.Limiter
	tracker  *tracker.Tracker
	ingestor *upload.Ingestor
}

// NewCompletionHandler constructs a CompletionHandler.
func NewCompletionHandler(client *backend.Client, limiter *ratelimit.Limiter, usage *tracker.Tracker, ingestor *upload.Ingestor) *CompletionHandler {
	return &CompletionHandler{client: client, limiter: limiter, tracker: usage, ingestor: ingestor}
}

// Create handles POST /v1/chat/completions.
func (h *CompletionHandler) Create(c *gin.Context) {
	var req openai.ChatRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		relayhttp.WriteError(c, http.StatusBadRequest, "Invalid request body", relayhttp.ErrorTypeInvalidRequest)
		return
	}
	h.serve(c, &req)
}

// CreateUpload handles POST /v1/chat/completions/upload: the multipart
// form is normalized into a standard request by the ingestor, then the
// regular pipeline applies.
func (h *CompletionHandler) CreateUpload(c *gin.Context) {
	req, errParse := h.ingestor.Parse(c.Request)
	if errParse != nil {
		relayhttp.WriteTypedError(c, errParse)
		return
	}
	h.serve(c, req)
}

// serve runs the admission, forwarding, and accounting stages shared by
// both entry points.
func (h *CompletionHandler) serve(c *gin.Context, req *openai.ChatRequest) {
	if req.Model == "" {
		relayhttp.WriteError(c, http.StatusBadRequest, "model is required", relayhttp.ErrorTypeInvalidRequest)
		return
	}
	if len(req.Messages) == 0 {
		relayhttp.WriteError(c, http.StatusBadRequest, "messages is required", relayhttp.ErrorTypeInvalidRequest)
		return
	}

	user, okUser := relayhttp.UserFrom(c)
	if !okUser {
		relayhttp.WriteError(c, http.StatusUnauthorized, "Missing Authorization header", relayhttp.ErrorTypeAuthentication)
		return
	}

	ctx := c.Request.Context()
	if errAdmit := h.limiter.Admit(ctx, user.ID); errAdmit != nil {
		relayhttp.WriteTypedError(c, errAdmit)
		return
	}

	meta := tracker.Request{
		UserID:        user.ID,
		Model:         req.Model,
		RequestID:     relayhttp.RequestIDFrom(c),
		PromptPreview: promptPreview(req),
	}

	if req.Stream {
		stream, errStream := h.client.ChatStream(ctx, req)
		if errStream != nil {
			relayhttp.WriteTypedError(c, errStream)
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)

		h.tracker.Relay(ctx, c.Writer, stream, meta)
		return
	}

	completion, errChat := h.client.Chat(ctx, req)
	if errChat != nil {
		relayhttp.WriteTypedError(c, errChat)
		return
	}

	if completion.Usage != nil {
		if _, errRecord := h.tracker.Record(ctx, meta, completion.Usage.PromptTokens, completion.Usage.CompletionTokens); errRecord != nil {
			relayhttp.WriteTypedError(c, errRecord)
			return
		}
	}

	c.JSON(http.StatusOK, completion)
}

// promptPreview extracts the diagnostic preview from the newest user turn.
func promptPreview(req *openai.ChatRequest) string {
	for idx := len(req.Messages) - 1; idx >= 0; idx-- {
		if req.Messages[idx].Role != "user" {
			continue
		}
		return util.TruncateText(req.Messages[idx].Content.PlainText(), promptPreviewLength)
	}
	if len(req.Messages) > 0 {
		return util.TruncateText(req.Messages[len(req.Messages)-1].Content.PlainText(), promptPreviewLength)
	}
	return ""
}
