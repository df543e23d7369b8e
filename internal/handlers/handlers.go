package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/fuzzysearch/internal/auth"
	"github.com/example/fuzzysearch/internal/logging"
	"github.com/example/fuzzysearch/internal/repository"
	"github.com/example/fuzzysearch/internal/usecase"
	"github.com/example/fuzzysearch/pkg/fuzzysearch"
)

// MaxUploadSize is the default limit for uploaded images.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for form boundaries and headers on top of
// the image itself.
const multipartOverhead = 1 << 20

var allowedImageTypes = map[string]struct{}{
	"image/png":  {},
	"image/jpeg": {},
	"image/gif":  {},
	"image/webp": {},
	"image/bmp":  {},
	"image/tiff": {},
}

// LookupService is the part of the lookup use case exposed over HTTP.
type LookupService interface {
	LookupHashes(ctx context.Context, userID string, hashes []int64, distance int) (*usecase.HashLookup, error)
	LookupImage(ctx context.Context, userID string, req usecase.ImageRequest) (*usecase.ImageLookup, error)
	LookupFileHash(ctx context.Context, userID, sha256Hex string) (*usecase.FileHashLookup, error)
	HashImage(ctx context.Context, data []byte) (int64, error)
	GetLookup(ctx context.Context, userID, requestID string) (*repository.LookupLog, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

type routes struct {
	svc           LookupService
	maxUploadSize int64
}

// RegisterRoutes wires the HTTP handlers to the Gin router. Everything except
// /health and /metrics sits behind authMiddleware. A non-positive
// maxUploadSize falls back to MaxUploadSize.
func RegisterRoutes(router *gin.Engine, svc LookupService, authMiddleware gin.HandlerFunc, maxUploadSize int64) {
	if maxUploadSize <= 0 {
		maxUploadSize = MaxUploadSize
	}
	r := &routes{svc: svc, maxUploadSize: maxUploadSize}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := router.Group("/", authMiddleware)
	protected.GET("/lookup/hashes", r.lookupHashes)
	protected.POST("/lookup/image", r.lookupImage)
	protected.GET("/lookup/file", r.lookupFileHash)
	protected.POST("/hash", r.hashImage)
	protected.GET("/lookups/metrics", r.metricsSummary)
	protected.GET("/lookups/:id", r.getLookup)
}

// RequestTimeout bounds the context of every request.
func RequestTimeout(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if timeout <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (r *routes) lookupHashes(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	raw := strings.TrimSpace(c.Query("hashes"))
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hashes is required"})
		return
	}
	var hashes []int64
	for _, part := range strings.Split(raw, ",") {
		hash, err := fuzzysearch.ParseHash(part)
		if err != nil {
			writeError(c, err)
			return
		}
		hashes = append(hashes, hash)
	}

	distance, err := parseDistance(c.Query("distance"))
	if err != nil {
		writeError(c, err)
		return
	}

	result, err := r.svc.LookupHashes(c.Request.Context(), userID, hashes, distance)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (r *routes) lookupImage(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	data, filename, contentType, ok := r.readImage(c)
	if !ok {
		return
	}

	matchType := strings.ToLower(strings.TrimSpace(c.PostForm("type")))
	switch matchType {
	case "", "close", "exact", "force":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown match type %q", matchType)})
		return
	}

	distance, err := parseDistance(c.PostForm("distance"))
	if err != nil {
		writeError(c, err)
		return
	}

	result, err := r.svc.LookupImage(c.Request.Context(), userID, usecase.ImageRequest{
		Data:        data,
		Filename:    filename,
		ContentType: contentType,
		Mode:        strings.ToLower(strings.TrimSpace(c.PostForm("mode"))),
		MatchType:   fuzzysearch.ParseMatchType(matchType),
		Distance:    distance,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (r *routes) lookupFileHash(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	digest := c.Query("sha256")
	if strings.TrimSpace(digest) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sha256 is required"})
		return
	}

	result, err := r.svc.LookupFileHash(c.Request.Context(), userID, digest)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (r *routes) hashImage(c *gin.Context) {
	if _, ok := requireUser(c); !ok {
		return
	}

	data, _, _, ok := r.readImage(c)
	if !ok {
		return
	}

	hash, err := r.svc.HashImage(c.Request.Context(), data)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"hash":     hash,
		"hash_hex": fmt.Sprintf("%016x", uint64(hash)),
	})
}

func (r *routes) getLookup(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	requestID := c.Param("id")
	if requestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}

	log, err := r.svc.GetLookup(c.Request.Context(), userID, requestID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"request_id":  log.RequestID,
		"user_id":     log.UserID,
		"kind":        log.Kind,
		"query":       log.Query,
		"match_count": log.MatchCount,
		"cache_hit":   log.CacheHit,
		"success":     log.Success,
		"error":       log.Error,
		"latency_ms":  log.LatencyMs,
		"created_at":  log.CreatedAt,
	})
}

func (r *routes) metricsSummary(c *gin.Context) {
	summary, err := r.svc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// readImage reads the "image" form file, enforcing the size limit and the
// allowed content types. It writes the error response itself.
func (r *routes) readImage(c *gin.Context) ([]byte, string, string, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, r.maxUploadSize+multipartOverhead)

	file, err := c.FormFile("image")
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return nil, "", "", false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return nil, "", "", false
	}
	if file.Size > r.maxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return nil, "", "", false
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return nil, "", "", false
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return nil, "", "", false
	}

	contentType := file.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mediaType
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if _, ok := allowedImageTypes[contentType]; !ok {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": fmt.Sprintf("unsupported content type %q", contentType)})
		return nil, "", "", false
	}

	return data, file.Filename, contentType, true
}

func requireUser(c *gin.Context) (string, bool) {
	userID, ok := auth.UserID(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return "", false
	}
	return userID, true
}

func parseDistance(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return usecase.DefaultHashDistance, nil
	}
	distance, err := strconv.Atoi(raw)
	if err != nil || distance < 0 {
		return 0, &fuzzysearch.ValidationError{Field: "distance", Message: fmt.Sprintf("%q is not a non-negative integer", raw)}
	}
	return distance, nil
}

func writeError(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}
	if requestID := logging.RequestID(err); requestID != "" {
		body["request_id"] = requestID
	}
	c.JSON(statusFor(err), body)
}

// statusFor maps use case and client errors to HTTP statuses. Failures of
// the upstream API surface as gateway errors.
func statusFor(err error) int {
	var (
		validationErr *fuzzysearch.ValidationError
		transportErr  *fuzzysearch.TransportError
		authErr       *fuzzysearch.AuthError
		decodeErr     *fuzzysearch.DecodeError
		serviceErr    *fuzzysearch.ServiceError
	)
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrLookupNotFound):
		return http.StatusNotFound
	case errors.As(err, &transportErr):
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case errors.As(err, &authErr), errors.As(err, &decodeErr), errors.As(err, &serviceErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
