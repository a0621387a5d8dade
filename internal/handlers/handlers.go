package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-service/internal/auth"
	"github.com/example/face-service/internal/classifier"
	"github.com/example/face-service/internal/engine"
	"github.com/example/face-service/internal/imaging"
	"github.com/example/face-service/internal/query"
	"github.com/example/face-service/internal/usecase"
)

// MaxUploadSize caps request bodies, multipart or JSON.
const MaxUploadSize = 10 << 20

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.InferenceUseCase, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1", limitBody, authMiddleware)

	v1.POST("/create", func(c *gin.Context) {
		identity, spec, ok := bindSpec(c)
		if !ok {
			return
		}
		ack, err := uc.Create(c.Request.Context(), identity, spec)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, ack)
	})

	v1.POST("/learn", func(c *gin.Context) {
		identity, spec, ok := bindSpec(c)
		if !ok {
			return
		}
		ack, err := uc.Learn(c.Request.Context(), identity, spec)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, ack)
	})

	v1.POST("/infer", func(c *gin.Context) {
		var (
			identity = identityOf(c)
			spec     *query.Spec
			ok       bool
		)
		if isMultipart(c.ContentType()) {
			spec, ok = readImagePart(c)
		} else {
			_, spec, ok = bindSpec(c)
		}
		if !ok {
			return
		}

		result, err := uc.Infer(c.Request.Context(), identity, spec)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})

	v1.GET("/results/:id", func(c *gin.Context) {
		result, err := uc.GetResult(c.Request.Context(), identityOf(c), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})

	v1.GET("/results/:id/duplicates", func(c *gin.Context) {
		report, err := uc.GetDuplicateReport(c.Request.Context(), identityOf(c), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"request_id": report.Request.RequestID,
			"sha1_hash":  report.Request.SHA1Hash,
			"count":      len(report.Duplicates),
			"duplicates": report.Duplicates,
		})
	})

	v1.GET("/metrics", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

// RequestLogger logs one line per request with zap.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("http")
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(started)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

func limitBody(c *gin.Context) {
	if c.Request.ContentLength > MaxUploadSize {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize)
	c.Next()
}

func identityOf(c *gin.Context) string {
	identity, _ := auth.GetIdentity(c.Request.Context())
	return identity
}

func bindSpec(c *gin.Context) (string, *query.Spec, bool) {
	var spec query.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		if tooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return "", nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query: " + err.Error()})
		return "", nil, false
	}
	return identityOf(c), &spec, true
}

func readImagePart(c *gin.Context) (*query.Spec, bool) {
	file, err := c.FormFile("image")
	if err != nil {
		if tooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return nil, false
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return nil, false
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return nil, false
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return nil, false
	}

	declared := file.Header.Get("Content-Type")
	if !isJPEG(declared, data) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "image must be image/jpeg"})
		return nil, false
	}
	return query.ImageSpec(data), true
}

// isJPEG trusts an explicit part type and sniffs the bytes otherwise.
func isJPEG(declared string, data []byte) bool {
	if declared != "" && declared != "application/octet-stream" {
		mediaType, _, err := mime.ParseMediaType(declared)
		return err == nil && (mediaType == "image/jpeg" || mediaType == "image/jpg")
	}
	return http.DetectContentType(data) == "image/jpeg"
}

func isMultipart(contentType string) bool {
	return strings.HasPrefix(contentType, "multipart/")
}

func tooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, query.ErrEmptyQuery), errors.Is(err, imaging.ErrDecode):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrShapeMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, usecase.ErrResultNotFound):
		return http.StatusNotFound
	case errors.Is(err, usecase.ErrPersistenceDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, usecase.ErrInferTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, classifier.ErrServiceClosed), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
