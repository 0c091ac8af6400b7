package handler

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/recipe-be/internal/api/domain"
	"github.com/cuongbtq/recipe-be/internal/api/dto"
	"github.com/cuongbtq/recipe-be/internal/api/storage"
	"github.com/cuongbtq/recipe-be/internal/ingress"
	"github.com/cuongbtq/recipe-be/internal/jobqueue"
	"github.com/cuongbtq/recipe-be/internal/push"
	"github.com/cuongbtq/recipe-be/internal/recipe"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	// multipartOverhead is the allowance for part headers, boundaries and
	// small form fields on top of the image limit
	multipartOverhead int64 = 64 << 10
)

var errNoImage = errors.New("no image in request")

// RecipeHandler handles recipe generation requests and result streams
type RecipeHandler struct {
	logger    *slog.Logger
	queue     Enqueuer
	registry  *push.Registry
	storage   GenerationLister
	origins   *OriginPolicy
	maxBytes  int64
	formField string
}

// NewRecipeHandler creates a new RecipeHandler instance
func NewRecipeHandler(deps *Dependencies) *RecipeHandler {
	maxBytes := deps.UploadMaxBytes
	if maxBytes <= 0 {
		maxBytes = ingress.DefaultMaxBytes
	}
	formField := deps.UploadFormField
	if formField == "" {
		formField = "image"
	}

	return &RecipeHandler{
		logger:    deps.Logger,
		queue:     deps.Queue,
		registry:  deps.Registry,
		storage:   deps.Storage,
		origins:   deps.Origins,
		maxBytes:  maxBytes,
		formField: formField,
	}
}

// GenerateRecipes handles POST /recipe/generate
// Accepts an image and queues a generation job; the result arrives on the
// user's event stream
func (h *RecipeHandler) GenerateRecipes(c *gin.Context) {
	userID := c.GetString(ContextKeyUserID)

	image, err := h.readImage(c)
	if err != nil {
		var tooLarge *ingress.TooLargeError
		switch {
		case errors.As(err, &tooLarge):
			h.logger.Warn("Upload rejected: too large",
				slog.String("user_id", userID),
				slog.Int64("limit", tooLarge.Limit),
				slog.Int64("received", tooLarge.Received),
			)
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": fmt.Sprintf("image exceeds the %d byte limit", h.maxBytes),
			})
		case errors.Is(err, errNoImage):
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "image is required",
			})
		default:
			h.logger.Error("Failed to read upload", slog.String("error", err.Error()))
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Failed to read upload",
			})
		}
		return
	}

	mimeType, _, _ := strings.Cut(mimetype.Detect(image).String(), ";")
	if !strings.HasPrefix(mimeType, "image/") {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{
			"error": "uploaded file is not an image",
		})
		return
	}

	jobID, err := h.queue.Enqueue(c.Request.Context(), recipe.JobTypeGenerate, recipe.NewGeneratePayload(userID, image, mimeType))
	if err != nil {
		h.logger.Error("Failed to enqueue recipe generation",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, jobqueue.ErrBrokerUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "Recipe generation is temporarily unavailable",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to start recipe generation",
		})
		return
	}

	h.logger.Info("Recipe generation queued",
		slog.String("job_id", jobID),
		slog.String("user_id", userID),
		slog.Int("image_bytes", len(image)),
		slog.String("mime_type", mimeType),
	)

	c.JSON(http.StatusAccepted, dto.GenerateRecipesResponse{
		Message: "Recipe generation started",
		JobID:   jobID,
	})
}

// readImage streams the upload through the size bound. On rejection the
// connection is marked for closing so the client stops sending.
func (h *RecipeHandler) readImage(c *gin.Context) ([]byte, error) {
	reject := ingress.WithOnReject(func(*ingress.TooLargeError) {
		c.Header("Connection", "close")
	})

	if c.ContentType() != "multipart/form-data" && c.Request.ContentLength > h.maxBytes {
		c.Header("Connection", "close")
		return nil, &ingress.TooLargeError{Limit: h.maxBytes, Received: c.Request.ContentLength}
	}

	src, err := h.uploadSource(c, reject)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := io.Copy(ingress.NewWriter(&buf, h.maxBytes, reject), src); err != nil {
		return nil, err
	}
	if buf.Len() == 0 {
		return nil, errNoImage
	}
	return buf.Bytes(), nil
}

// uploadSource returns the image form field of a multipart body, or the raw
// body for any other content type. The whole multipart body is bounded too, so
// parts ahead of the image cannot stream unlimited bytes.
func (h *RecipeHandler) uploadSource(c *gin.Context, reject ingress.Option) (io.Reader, error) {
	if c.ContentType() != "multipart/form-data" {
		return c.Request.Body, nil
	}

	c.Request.Body = struct {
		io.Reader
		io.Closer
	}{ingress.NewReader(c.Request.Body, h.maxBytes+multipartOverhead, reject), c.Request.Body}

	mr, err := c.Request.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("failed to read multipart body: %w", err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, errNoImage
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read multipart body: %w", err)
		}
		if part.FormName() == h.formField {
			return part, nil
		}
	}
}

// Events handles GET /recipe/events/:userId
// Holds a server-sent event stream open and registers it for the user
func (h *RecipeHandler) Events(c *gin.Context) {
	userID := c.Param("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "userId is required",
		})
		return
	}

	if origin := h.origins.AllowedOrigin(c.GetHeader("Origin")); origin != "" {
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Vary", "Origin")
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	// The stream outlives the server's write timeout
	if err := http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("Cannot clear write deadline for event stream", slog.String("error", err.Error()))
	}

	sink, err := push.NewStreamSink(c.Writer)
	if err != nil {
		h.logger.Error("Event stream unsupported", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Streaming unsupported",
		})
		return
	}

	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	h.registry.AddClient(userID, sink)
	h.logger.Info("Event stream opened", slog.String("user_id", userID))

	select {
	case <-c.Request.Context().Done():
	case <-sink.Done():
	}

	h.registry.Release(userID, sink)
	_ = sink.Close()
	sink.Wait()

	h.logger.Info("Event stream closed", slog.String("user_id", userID))
}

// ListGenerations handles GET /recipe/generations
// Lists the caller's generations, newest first, with cursor pagination
func (h *RecipeHandler) ListGenerations(c *gin.Context) {
	userID := c.GetString(ContextKeyUserID)

	var req dto.ListGenerationsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if err := domain.ValidateStatus(req.Status); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid status",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}

	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeGenerationCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	generations, err := h.storage.ListGenerations(c.Request.Context(), storage.GenerationFilter{
		UserID:   userID,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list generations", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list generations",
		})
		return
	}

	hasMore := len(generations) > req.PageSize
	if hasMore {
		generations = generations[:req.PageSize]
	}

	response := make([]dto.GenerationDTO, len(generations))
	for i, gen := range generations {
		response[i] = dto.GenerationDTO{
			JobID:        gen.JobID,
			Status:       gen.Status,
			Recipes:      gen.Recipes,
			ErrorMessage: gen.ErrorMessage.String,
			Attempts:     gen.Attempts,
			CreatedAt:    gen.CreatedAt.Format(time.RFC3339),
			UpdatedAt:    gen.UpdatedAt.Format(time.RFC3339),
		}
	}

	var nextCursor string
	if hasMore {
		last := generations[len(generations)-1]
		nextCursor = EncodeGenerationCursor(&storage.GenerationCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.JobID,
		})
	}

	c.JSON(http.StatusOK, dto.ListGenerationsResponse{
		Generations: response,
		NextCursor:  nextCursor,
	})
}
