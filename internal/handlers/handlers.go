package handlers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/textscan/internal/acquire"
	"github.com/example/textscan/internal/auth"
	"github.com/example/textscan/internal/bitmap"
	"github.com/example/textscan/internal/screen"
	"github.com/example/textscan/internal/task"
	"github.com/example/textscan/internal/usecase"
)

// MaxUploadSize is the default limit for uploaded images.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for boundaries and form fields on top of the
// image itself.
const multipartOverhead = 1 << 20

// CaptureWriter stores what the camera writes to a capture target.
type CaptureWriter interface {
	Write(name string, r io.Reader) (int64, error)
}

// Options configures the HTTP surface.
type Options struct {
	Sessions      *screen.Registry
	Captures      CaptureWriter
	Metrics       *usecase.MetricsUseCase // nil when history is disabled
	EngineVersion string
	MaxUploadSize int64
	Logger        *zap.Logger
}

type handler struct {
	Options
}

type loadRequest struct {
	URI string `json:"uri" binding:"required"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, opts Options, authMiddleware gin.HandlerFunc) {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = MaxUploadSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &handler{Options: opts}

	router.GET("/health", h.health)

	v1 := router.Group("/v1", authMiddleware)
	v1.GET("/metrics", h.metrics)
	v1.PUT("/captures/:name", h.writeCapture)

	sessions := v1.Group("/sessions")
	sessions.POST("", h.createSession)
	sessions.GET("/:id", h.sessionState)
	sessions.DELETE("/:id", h.closeSession)
	sessions.POST("/:id/resume", h.resume)
	sessions.POST("/:id/capture-target", h.captureTarget)
	sessions.POST("/:id/capture", h.capture)
	sessions.POST("/:id/load", h.load)
	sessions.GET("/:id/result", h.result)
	sessions.GET("/:id/preview", h.preview)
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"engine":   h.EngineVersion,
		"sessions": h.Sessions.Len(),
	})
}

func (h *handler) metrics(c *gin.Context) {
	if h.Metrics == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "recognition history is disabled"})
		return
	}
	summary, err := h.Metrics.GetMetricsSummary(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) createSession(c *gin.Context) {
	ctrl, err := h.Sessions.Create(owner(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.show(c, ctrl, http.StatusCreated)
}

func (h *handler) resume(c *gin.Context) {
	ctrl, ok := h.session(c)
	if !ok {
		return
	}
	h.show(c, ctrl, http.StatusOK)
}

// show awaits provisioning. A failed provisioning run is not an HTTP error:
// it surfaces as a notice in the returned state.
func (h *handler) show(c *gin.Context, ctrl *screen.Controller, status int) {
	ctx := c.Request.Context()
	t, err := ctrl.Show(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	if _, err := t.Wait(ctx); err != nil && (isContextError(err) || errors.Is(err, screen.ErrClosed)) {
		h.fail(c, err)
		return
	}
	state, err := ctrl.State(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(status, state)
}

func (h *handler) sessionState(c *gin.Context) {
	ctrl, ok := h.session(c)
	if !ok {
		return
	}
	state, err := ctrl.State(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *handler) closeSession(c *gin.Context) {
	err := h.Sessions.Remove(c.Param("id"), owner(c))
	if errors.Is(err, screen.ErrNotFound) {
		h.fail(c, err)
		return
	}
	if err != nil {
		h.Logger.Warn("session teardown failed", zap.String("session_id", c.Param("id")), zap.Error(err))
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) captureTarget(c *gin.Context) {
	ctrl, ok := h.session(c)
	if !ok {
		return
	}
	target, err := ctrl.PrepareCapture(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, target)
}

func (h *handler) writeCapture(c *gin.Context) {
	n, err := h.Captures.Write(c.Param("name"), c.Request.Body)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": c.Param("name"), "bytes": n})
}

func (h *handler) capture(c *gin.Context) {
	ctrl, ok := h.session(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.MaxUploadSize+multipartOverhead)
	delivery, status, msg := h.readDelivery(c)
	if status != 0 {
		c.JSON(status, gin.H{"error": msg})
		return
	}

	t, err := ctrl.Capture(c.Request.Context(), delivery)
	h.awaitOutcome(c, t, err)
}

// readDelivery takes either a multipart "image" part or a "uri" form field.
func (h *handler) readDelivery(c *gin.Context) (acquire.Delivery, int, string) {
	file, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return acquire.Delivery{}, http.StatusRequestEntityTooLarge, "image exceeds upload limit"
		}
		if uri := strings.TrimSpace(c.PostForm("uri")); uri != "" {
			return acquire.Delivery{URI: uri}, 0, ""
		}
		return acquire.Delivery{}, http.StatusBadRequest, "image file or uri is required"
	}

	if file.Size > h.MaxUploadSize {
		return acquire.Delivery{}, http.StatusRequestEntityTooLarge, "image exceeds upload limit"
	}
	if !strings.HasPrefix(file.Header.Get("Content-Type"), "image/") {
		return acquire.Delivery{}, http.StatusUnsupportedMediaType, "upload must be an image"
	}

	src, err := file.Open()
	if err != nil {
		return acquire.Delivery{}, http.StatusBadRequest, "unable to open image"
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return acquire.Delivery{}, http.StatusInternalServerError, "failed to read image"
	}
	return acquire.Delivery{Image: data}, 0, ""
}

func (h *handler) load(c *gin.Context) {
	ctrl, ok := h.session(c)
	if !ok {
		return
	}
	var req loadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "uri is required"})
		return
	}
	t, err := ctrl.Load(c.Request.Context(), req.URI)
	h.awaitOutcome(c, t, err)
}

func (h *handler) awaitOutcome(c *gin.Context, t *task.Task[screen.Outcome], err error) {
	if err != nil {
		h.fail(c, err)
		return
	}
	out, err := t.Wait(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *handler) result(c *gin.Context) {
	ctrl, ok := h.session(c)
	if !ok {
		return
	}
	out, err := ctrl.Result(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *handler) preview(c *gin.Context) {
	ctrl, ok := h.session(c)
	if !ok {
		return
	}
	img, err := ctrl.Preview(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if img == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no image loaded"})
		return
	}
	var buf bytes.Buffer
	if err := bitmap.EncodePNG(&buf, img); err != nil {
		h.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}

func (h *handler) session(c *gin.Context) (*screen.Controller, bool) {
	ctrl, err := h.Sessions.Get(c.Param("id"), owner(c))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return ctrl, true
}

func (h *handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, screen.ErrNotFound), errors.Is(err, acquire.ErrInvalidTarget):
		return http.StatusNotFound
	case errors.Is(err, screen.ErrNotReady), errors.Is(err, screen.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, screen.ErrClosed):
		return http.StatusGone
	case errors.Is(err, acquire.ErrTooLarge), errors.Is(err, bitmap.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, screen.ErrAcquisition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func owner(c *gin.Context) string {
	if subject, ok := auth.GetUserID(c.Request.Context()); ok {
		return subject
	}
	return auth.AnonymousSubject
}
