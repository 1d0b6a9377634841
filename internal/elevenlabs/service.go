package elevenlabs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"git.fleetops.dev/dispatch/golang/convoy/internal/circuitbreak"
	"git.fleetops.dev/dispatch/golang/convoy/internal/config"
	"git.fleetops.dev/dispatch/golang/convoy/internal/logging"
	prometheusConvoy "git.fleetops.dev/dispatch/golang/convoy/internal/prometheus"
	"github.com/avast/retry-go"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

var (
	// ErrUnreachable marks transport-level failures (timeouts, refused
	// connections). Only these are retried; an HTTP error response from the
	// vendor is a well-formed rejection, not transience.
	ErrUnreachable           = errors.New("elevenlabs api unreachable")
	ErrVendorRejected        = errors.New("elevenlabs api rejected the request")
	ErrConversationNotFound  = errors.New("conversation not found on vendor side")
	ErrMissingConversationID = errors.New("vendor response is missing conversation_id")
)

// Vendor conversation status values.
const (
	ConversationStatusInitiated  = "initiated"
	ConversationStatusInProgress = "in-progress"
	ConversationStatusProcessing = "processing"
	ConversationStatusDone       = "done"
	ConversationStatusFailed     = "failed"
)

const TerminationReasonVoicemail = "voicemail"

type OutboundCallRequest struct {
	ToNumber         string
	CallID           string
	DynamicVariables map[string]string
}

// ConversationState is the vendor-side view of one call, fetched by the
// reconciliation sweep for calls whose completion webhook never arrived.
type ConversationState struct {
	ConversationID      string
	Status              string
	TranscriptSummary   *string
	CallDurationSeconds *int
	CallCost            *float64
	CallSuccessful      *bool
	TerminationReason   string
	Analysis            json.RawMessage
	Metadata            json.RawMessage
}

func (s *ConversationState) IsActive() bool {
	return s.Status == ConversationStatusInitiated || s.Status == ConversationStatusInProgress
}

type Dialer interface {
	CreateOutboundCall(ctx context.Context, req OutboundCallRequest) (string, error)
	GetConversation(ctx context.Context, conversationID string) (*ConversationState, error)
}

type ElevenLabsService struct {
	CircuitBreaker *gobreaker.CircuitBreaker[[]byte]
}

func NewService() *ElevenLabsService {
	cbSettings := gobreaker.Settings{
		Name:     "ElevenLabs",
		Interval: time.Duration(config.Conf.ElevenLabsIntervalCB) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.Conf.ElevenLabsConsecutiveFailuresCB
		},
		OnStateChange: func(name string, fromState, toState gobreaker.State) {
			logging.Logger.Info("Circuit state changed",
				zap.String("service", name),
				zap.String("from", fromState.String()),
				zap.String("to", toState.String()),
			)

			if toState == gobreaker.StateOpen {
				circuitbreak.TriggerError(circuitbreak.ElevenLabsService)
			}
		},
		IsSuccessful: func(err error) bool {
			return !errors.Is(err, ErrUnreachable)
		},
	}

	return &ElevenLabsService{
		CircuitBreaker: gobreaker.NewCircuitBreaker[[]byte](cbSettings),
	}
}

type outboundCallBody struct {
	AgentID            string                 `json:"agent_id"`
	AgentPhoneNumberID string                 `json:"agent_phone_number_id"`
	ToNumber           string                 `json:"to_number"`
	ClientData         outboundCallClientData `json:"conversation_initiation_client_data"`
}

type outboundCallClientData struct {
	DynamicVariables map[string]string `json:"dynamic_variables"`
}

type outboundCallResponse struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
	CallSid        string `json:"callSid"`
}

// CreateOutboundCall asks the vendor to dial the driver and returns the
// vendor-assigned conversation id.
func (elevenLabsService *ElevenLabsService) CreateOutboundCall(
	ctx context.Context,
	req OutboundCallRequest,
) (string, error) {
	apiUrl, err := url.JoinPath(config.Conf.ElevenLabsBaseUrl, "/v1/convai/twilio/outbound-call")
	if err != nil {
		return "", err
	}

	variables := map[string]string{"call_id": req.CallID}
	for key, value := range req.DynamicVariables {
		variables[key] = value
	}

	reqBody, err := json.Marshal(outboundCallBody{
		AgentID:            config.Conf.ElevenLabsAgentID,
		AgentPhoneNumberID: config.Conf.ElevenLabsPhoneNumberID,
		ToNumber:           req.ToNumber,
		ClientData:         outboundCallClientData{DynamicVariables: variables},
	})
	if err != nil {
		return "", err
	}

	body, statusCode, err := elevenLabsService.doRequestWithRetry(ctx, http.MethodPost, apiUrl, reqBody)
	if err != nil {
		return "", err
	}

	logging.Logger.Info("Outbound call response",
		zap.String("call_id", req.CallID),
		zap.Int("status_code", statusCode),
	)

	if statusCode != http.StatusOK {
		logging.Logger.Error("[CreateOutboundCall] Vendor rejected outbound call",
			zap.String("call_id", req.CallID),
			zap.Int("status_code", statusCode),
			zap.ByteString("response_body", body),
		)

		return "", ErrVendorRejected
	}

	var response outboundCallResponse

	err = json.Unmarshal(body, &response)
	if err != nil {
		return "", err
	}

	if response.ConversationID == "" {
		return "", ErrMissingConversationID
	}

	return response.ConversationID, nil
}

type conversationResponse struct {
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
	Metadata       struct {
		CallDurationSecs  *int     `json:"call_duration_secs"`
		Cost              *float64 `json:"cost"`
		TerminationReason string   `json:"termination_reason"`
	} `json:"metadata"`
	Analysis struct {
		CallSuccessful    string  `json:"call_successful"`
		TranscriptSummary *string `json:"transcript_summary"`
	} `json:"analysis"`
	RawMetadata json.RawMessage `json:"-"`
	RawAnalysis json.RawMessage `json:"-"`
}

// GetConversation fetches the vendor-side state of a conversation. A vendor
// 404 maps to ErrConversationNotFound, distinct from a retryable transport
// failure.
func (elevenLabsService *ElevenLabsService) GetConversation(
	ctx context.Context,
	conversationID string,
) (*ConversationState, error) {
	apiUrl, err := url.JoinPath(config.Conf.ElevenLabsBaseUrl, "/v1/convai/conversations", conversationID)
	if err != nil {
		return nil, err
	}

	body, statusCode, err := elevenLabsService.doRequestWithRetry(ctx, http.MethodGet, apiUrl, nil)
	if err != nil {
		return nil, err
	}

	if statusCode == http.StatusNotFound {
		return nil, ErrConversationNotFound
	}

	if statusCode != http.StatusOK {
		logging.Logger.Error("[GetConversation] Vendor rejected conversation fetch",
			zap.String("conversation_id", conversationID),
			zap.Int("status_code", statusCode),
			zap.ByteString("response_body", body),
		)

		return nil, ErrVendorRejected
	}

	var response conversationResponse

	err = json.Unmarshal(body, &response)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Metadata json.RawMessage `json:"metadata"`
		Analysis json.RawMessage `json:"analysis"`
	}

	err = json.Unmarshal(body, &envelope)
	if err != nil {
		return nil, err
	}

	return &ConversationState{
		ConversationID:      response.ConversationID,
		Status:              response.Status,
		TranscriptSummary:   response.Analysis.TranscriptSummary,
		CallDurationSeconds: response.Metadata.CallDurationSecs,
		CallCost:            response.Metadata.Cost,
		CallSuccessful:      parseCallSuccessful(response.Analysis.CallSuccessful),
		TerminationReason:   response.Metadata.TerminationReason,
		Analysis:            envelope.Analysis,
		Metadata:            envelope.Metadata,
	}, nil
}

// parseCallSuccessful maps the vendor's "success"/"failure"/"unknown"
// vocabulary to a nullable flag.
func parseCallSuccessful(value string) *bool {
	switch value {
	case "success":
		successful := true
		return &successful
	case "failure":
		successful := false
		return &successful
	default:
		return nil
	}
}

func (elevenLabsService *ElevenLabsService) doRequestWithRetry(
	ctx context.Context,
	method, apiUrl string,
	reqBody []byte,
) ([]byte, int, error) {
	var (
		body       []byte
		statusCode int
	)

	timer := prometheus.NewTimer(prometheusConvoy.VendorRequestDuration.WithLabelValues(method))
	defer timer.ObserveDuration()

	body, err := elevenLabsService.CircuitBreaker.Execute(func() ([]byte, error) {
		err := retry.Do(
			func() error {
				var err error

				body, statusCode, err = elevenLabsService.doRequest(ctx, method, apiUrl, reqBody)
				if err != nil {
					return errors.Join(ErrUnreachable, err)
				}

				return nil
			},
			retry.RetryIf(func(err error) bool {
				return errors.Is(err, ErrUnreachable)
			}),
			retry.Attempts(config.Conf.ElevenLabsRetryMaxAttempts),
			retry.DelayType(retry.BackOffDelay),
			retry.Delay(time.Duration(config.Conf.ElevenLabsRetryBackoffMin)*time.Second),
			retry.MaxDelay(time.Duration(config.Conf.ElevenLabsRetryBackoffMax)*time.Second),
		)
		if err != nil {
			return nil, err
		}

		return body, nil
	})
	if err != nil {
		return nil, 0, err
	}

	return body, statusCode, nil
}

func (elevenLabsService *ElevenLabsService) doRequest(
	ctx context.Context,
	method, apiUrl string,
	reqBody []byte,
) ([]byte, int, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		bodyReader = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiUrl, bodyReader)
	if err != nil {
		return nil, 0, err
	}

	req.Header.Set("xi-api-key", config.Conf.ElevenLabsAPIKey)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{
		Timeout: time.Duration(config.Conf.ElevenLabsTimeout) * time.Second,
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}

	defer func() {
		cerr := resp.Body.Close()
		if cerr != nil {
			logging.Logger.Error("Failed to close response body", zap.String("error", cerr.Error()))
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}

	return body, resp.StatusCode, nil
}
