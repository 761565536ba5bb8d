package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/dispatch"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/messages"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SandboxDelivered is the receipt the sandbox reports for every message it accepted.
const SandboxDelivered = "Delivered"

// Sandbox accepts every message without contacting a gateway and logs it instead.
type Sandbox struct {
	mu     sync.Mutex
	sent   map[string]struct{}
	logger *zap.Logger
}

// NewSandbox constructs the logging transport.
func NewSandbox(logger *zap.Logger) *Sandbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sandbox{sent: make(map[string]struct{}), logger: logger}
}

func (s *Sandbox) Send(_ context.Context, phoneNumber, message string, channel messages.Channel) (dispatch.SendResult, error) {
	uniqueID := uuid.NewString()
	s.mu.Lock()
	s.sent[uniqueID] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("sandbox message",
		zap.String("unique_id", uniqueID),
		zap.String("phone_number", phoneNumber),
		zap.String("channel", string(channel)),
		zap.Int("length", len(message)))
	return dispatch.SendResult{Success: true, ProviderStatusCode: "sandbox", UniqueID: uniqueID}, nil
}

func (s *Sandbox) FetchDeliveryStatus(_ context.Context, uniqueID string) (dispatch.DeliveryReport, error) {
	s.mu.Lock()
	_, ok := s.sent[uniqueID]
	s.mu.Unlock()
	if !ok {
		return dispatch.DeliveryReport{}, fmt.Errorf("transport: sandbox never sent %s", uniqueID)
	}
	return dispatch.DeliveryReport{Status: SandboxDelivered, Description: "sandbox"}, nil
}
