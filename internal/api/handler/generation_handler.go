package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kevinreber/pixel-studio-sub001/internal/api/dto"
	"github.com/kevinreber/pixel-studio-sub001/internal/generate"
	"github.com/kevinreber/pixel-studio-sub001/internal/ledger"
	"github.com/kevinreber/pixel-studio-sub001/internal/queue"
	"github.com/kevinreber/pixel-studio-sub001/internal/status"
)

// userIDHeader carries the authenticated user identity set by the edge.
const userIDHeader = "X-User-Id"

const maxCallbackBody = 1 << 20

// CreateGeneration handles POST /api/v1/generations
// Enqueues a generation job and returns a tracking handle immediately.
func (h *GenerationHandler) CreateGeneration(c *gin.Context) {
	userID := c.GetHeader(userIDHeader)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "user identity is required",
		})
		return
	}

	var req dto.CreateGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	receipt, err := h.service.Enqueue(c.Request.Context(), queue.Payload{
		Kind:        generate.Kind(req.Kind),
		Prompt:      req.Prompt,
		Model:       req.Model,
		NumOutputs:  req.NumOutputs,
		AspectRatio: req.AspectRatio,
	}, userID)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error": "Not enough credits for this generation",
			})
			return
		}
		h.logger.Error("Failed to enqueue generation",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Could not accept the generation request. Please try again.",
		})
		return
	}

	c.JSON(http.StatusAccepted, dto.CreateGenerationResponse{
		RequestID:     receipt.RequestID,
		ProcessingURL: receipt.ProcessingURL,
	})
}

// GetStatus handles GET /api/v1/generations/:request_id/status
// Reads the current status record; the polling fallback for clients without
// a WebSocket connection.
func (h *GenerationHandler) GetStatus(c *gin.Context) {
	requestID := c.Param("request_id")
	if requestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "request_id is required",
		})
		return
	}

	rec, err := h.store.Read(c.Request.Context(), requestID)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Unknown or expired generation request",
			})
			return
		}
		h.logger.Error("Failed to read status record",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to read generation status",
		})
		return
	}

	c.JSON(http.StatusOK, statusResponse(rec))
}

// Callback handles POST /api/v1/queue/callback
// The managed delivery service POSTs job envelopes here. The response status
// drives its redelivery: 2xx settles the delivery, 5xx requests another
// attempt, 4xx drops it.
func (h *GenerationHandler) Callback(c *gin.Context) {
	if h.processor == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "callback backend is not configured",
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "failed to read request body",
		})
		return
	}

	signature := c.GetHeader(queue.SignatureHeader)
	if !queue.VerifySignature(h.signingKey, body, signature) {
		h.logger.Warn("Rejected callback with bad signature",
			slog.String("ip", c.ClientIP()),
		)
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "invalid delivery signature",
		})
		return
	}

	var env queue.Envelope
	if err := json.Unmarshal(body, &env); err != nil || env.RequestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "malformed job envelope",
		})
		return
	}

	if err := h.processor.Process(c.Request.Context(), &env); err != nil {
		// Terminal outcome was not recorded; ask the delivery service to try
		// again.
		h.logger.Error("Callback processing unsettled",
			slog.String("request_id", env.RequestID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "processing failed, please redeliver",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"requestId": env.RequestID,
		"status":    "processed",
	})
}

// Health handles GET /health
func (h *GenerationHandler) Health(c *gin.Context) {
	qh := h.service.HealthCheck(c.Request.Context())

	storeHealth := dto.StoreHealth{Healthy: true, Detail: "in-process"}
	if h.storePing != nil {
		if err := h.storePing(c.Request.Context()); err != nil {
			storeHealth = dto.StoreHealth{Healthy: false, Detail: err.Error()}
		} else {
			storeHealth = dto.StoreHealth{Healthy: true}
		}
	}

	httpStatus := http.StatusOK
	overall := "healthy"
	if !qh.Healthy || !storeHealth.Healthy {
		httpStatus = http.StatusServiceUnavailable
		overall = "degraded"
	}

	c.JSON(httpStatus, dto.HealthResponse{
		Status:  overall,
		Service: h.serviceName,
		Queue: dto.QueueHealth{
			Backend: qh.Backend,
			Healthy: qh.Healthy,
			Detail:  qh.Detail,
		},
		Store: storeHealth,
	})
}

func statusResponse(rec *status.Record) dto.StatusResponse {
	return dto.StatusResponse{
		RequestID: rec.RequestID,
		Status:    string(rec.Status),
		Progress:  rec.Progress,
		Message:   rec.Message,
		SetID:     rec.SetID,
		Error:     rec.Error,
		UpdatedAt: rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
