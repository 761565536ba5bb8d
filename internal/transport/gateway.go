// Package transport implements the SMS gateway clients the dispatcher sends through.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/dispatch"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/messages"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	defaultTimeout   = 15 * time.Second
	sendPath         = "/messages"
	deliveryPathTmpl = "/messages/%s/status"
)

var (
	errMissingBaseURL = errors.New("transport: gateway base url is required")
	errMissingAPIKey  = errors.New("transport: gateway api key is required")
	// ErrEmptyUniqueID indicates a delivery lookup without a transport id.
	ErrEmptyUniqueID = errors.New("transport: unique id is required")
)

// GatewayConfig describes the HTTP gateway connection.
type GatewayConfig struct {
	BaseURL  string
	APIKey   string
	SenderID string
	Timeout  time.Duration
	Logger   *zap.Logger
}

// Gateway sends messages through the provider's HTTP API.
type Gateway struct {
	client   *resty.Client
	senderID string
	logger   *zap.Logger
}

type sendRequest struct {
	To       string `json:"to"`
	Message  string `json:"message"`
	Channel  string `json:"channel"`
	SenderID string `json:"sender_id,omitempty"`
}

type sendResponse struct {
	Success    bool   `json:"success"`
	StatusCode string `json:"status_code"`
	UniqueID   string `json:"unique_id"`
	Message    string `json:"message"`
}

type deliveryResponse struct {
	Status      string `json:"status"`
	Description string `json:"description"`
}

// NewGateway constructs the HTTP gateway client.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errMissingAPIKey
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetAuthToken(strings.TrimSpace(cfg.APIKey)).
		SetHeader("Accept", "application/json")
	return &Gateway{client: client, senderID: strings.TrimSpace(cfg.SenderID), logger: logger}, nil
}

// Send posts one message. Rejections are reported in the result; only network and
// decoding problems are returned as errors. Client errors other than 429 are permanent.
func (g *Gateway) Send(ctx context.Context, phoneNumber, message string, channel messages.Channel) (dispatch.SendResult, error) {
	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(sendRequest{To: phoneNumber, Message: message, Channel: string(channel), SenderID: g.senderID}).
		Post(sendPath)
	if err != nil {
		return dispatch.SendResult{}, fmt.Errorf("transport: send: %w", err)
	}

	result := dispatch.SendResult{
		ProviderStatusCode: fmt.Sprintf("%d", resp.StatusCode()),
		Payload:            resp.Body(),
	}
	var body sendResponse
	if len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), &body); err != nil && resp.IsSuccess() {
			return dispatch.SendResult{}, fmt.Errorf("transport: decode send response: %w", err)
		}
	}
	if body.StatusCode != "" {
		result.ProviderStatusCode = body.StatusCode
	}
	if !json.Valid(result.Payload) {
		result.Payload = nil
	}

	switch {
	case resp.IsSuccess() && body.Success:
		result.Success = true
		result.UniqueID = body.UniqueID
	case resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= http.StatusInternalServerError:
		result.Permanent = false
	case resp.IsError():
		result.Permanent = true
	}
	if !result.Success {
		g.logger.Warn("gateway rejected message",
			zap.Int("http_status", resp.StatusCode()),
			zap.String("provider_status", result.ProviderStatusCode),
			zap.Bool("permanent", result.Permanent),
			zap.String("detail", body.Message))
	}
	return result, nil
}

// FetchDeliveryStatus asks the gateway for the receipt of a sent message.
func (g *Gateway) FetchDeliveryStatus(ctx context.Context, uniqueID string) (dispatch.DeliveryReport, error) {
	trimmed := strings.TrimSpace(uniqueID)
	if trimmed == "" {
		return dispatch.DeliveryReport{}, ErrEmptyUniqueID
	}
	resp, err := g.client.R().
		SetContext(ctx).
		Get(fmt.Sprintf(deliveryPathTmpl, trimmed))
	if err != nil {
		return dispatch.DeliveryReport{}, fmt.Errorf("transport: delivery status: %w", err)
	}
	if !resp.IsSuccess() {
		return dispatch.DeliveryReport{}, fmt.Errorf("transport: delivery status %s: http %d", trimmed, resp.StatusCode())
	}
	var body deliveryResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return dispatch.DeliveryReport{}, fmt.Errorf("transport: decode delivery status: %w", err)
	}
	return dispatch.DeliveryReport{Status: body.Status, Description: body.Description}, nil
}
