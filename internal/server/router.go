package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/auth"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/jobs"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/members"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/messages"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const gatewayContextKey = "survey_gateway"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingRecorder       = errors.New("response recorder dependency required")
	errMissingDeliveries     = errors.New("delivery updater dependency required")
	errMissingBalance        = errors.New("balance reader dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

type ResponseRecorder interface {
	RecordResponse(ctx context.Context, response jobs.InboundResponse) (jobs.ResponseOutcome, error)
}

type DeliveryUpdater interface {
	UpdateDeliveryByUniqueID(ctx context.Context, uniqueID, status, description string) error
}

type BalanceReader interface {
	Balance(ctx context.Context) (int64, error)
}

type Dependencies struct {
	Tokens         TokenValidator
	Responses      ResponseRecorder
	Deliveries     DeliveryUpdater
	Credits        BalanceReader
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Responses == nil {
		return nil, errMissingRecorder
	}
	if deps.Deliveries == nil {
		return nil, errMissingDeliveries
	}
	if deps.Credits == nil {
		return nil, errMissingBalance
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tokens:     deps.Tokens,
		responses:  deps.Responses,
		deliveries: deps.Deliveries,
		credits:    deps.Credits,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/webhooks/responses", handler.handleResponse)
	protected.POST("/webhooks/delivery", handler.handleDelivery)
	protected.GET("/credits/balance", handler.handleBalance)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	tokens     TokenValidator
	responses  ResponseRecorder
	deliveries DeliveryUpdater
	credits    BalanceReader
	logger     *zap.Logger
}

type responsePayload struct {
	ParticipantID uint   `json:"participant_id"`
	PhoneNumber   string `json:"phone_number"`
	Message       string `json:"message"`
	Channel       string `json:"channel"`
}

type responseResultPayload struct {
	MessageID     uint `json:"message_id"`
	ParticipantID uint `json:"participant_id"`
	ProgressID    uint `json:"progress_id,omitempty"`
	Marked        bool `json:"marked"`
}

type deliveryPayload struct {
	UniqueID    string `json:"unique_id"`
	Status      string `json:"status"`
	Description string `json:"description"`
}

type balancePayload struct {
	Balance int64 `json:"balance"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleResponse(c *gin.Context) {
	var request responsePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	var channel messages.Channel
	if strings.TrimSpace(request.Channel) != "" {
		parsed, err := messages.ParseChannel(request.Channel)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_channel"})
			return
		}
		channel = parsed
	}

	outcome, err := h.responses.RecordResponse(c.Request.Context(), jobs.InboundResponse{
		ParticipantID: request.ParticipantID,
		PhoneNumber:   request.PhoneNumber,
		Message:       request.Message,
		Channel:       channel,
	})
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, members.ErrParticipantNotFound):
			status = http.StatusNotFound
		case errors.Is(err, messages.ErrEmptyMessage), errors.Is(err, jobs.ErrMissingSender):
			status = http.StatusBadRequest
		default:
			h.logger.Error("failed to record response", zap.Error(err))
		}
		c.JSON(status, gin.H{"error": errorCode(err)})
		return
	}

	c.JSON(http.StatusOK, responseResultPayload{
		MessageID:     outcome.MessageID,
		ParticipantID: outcome.ParticipantID,
		ProgressID:    outcome.ProgressID,
		Marked:        outcome.Marked,
	})
}

func (h *httpHandler) handleDelivery(c *gin.Context) {
	var request deliveryPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UniqueID) == "" || strings.TrimSpace(request.Status) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	err := h.deliveries.UpdateDeliveryByUniqueID(c.Request.Context(), request.UniqueID, request.Status, request.Description)
	if errors.Is(err, messages.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_message"})
		return
	}
	if err != nil {
		h.logger.Error("failed to store delivery receipt", zap.Error(err), zap.String("unique_id", request.UniqueID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delivery_update_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleBalance(c *gin.Context) {
	balance, err := h.credits.Balance(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to read credit balance", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "balance_failed"})
		return
	}
	c.JSON(http.StatusOK, balancePayload{Balance: balance})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(gatewayContextKey, subject)
	c.Next()
}

func errorCode(err error) string {
	var jobErr *jobs.JobError
	if errors.As(err, &jobErr) {
		return jobErr.Code()
	}
	return "internal_error"
}
