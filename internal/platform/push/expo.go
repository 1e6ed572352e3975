// Package push delivers best-effort mobile notifications through the Expo
// push gateway, pruning tokens the gateway reports as permanently dead.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tarboucha/CommMobile-sub001/pkg/delivery"
)

const (
	// DefaultGatewayURL is Expo's batched send endpoint.
	DefaultGatewayURL = "https://exp.host/--/api/v2/push/send"

	// chunkSize is the provider-mandated maximum messages per request.
	chunkSize = 100

	// errDeviceNotRegistered is the one ticket error that means the token
	// can never succeed again. Everything else is treated as transient.
	errDeviceNotRegistered = "DeviceNotRegistered"
)

// ExpoSender implements delivery.PushSender against the Expo HTTP gateway.
type ExpoSender struct {
	url        string
	httpClient *http.Client
	tokens     delivery.TokenStore
	logger     zerolog.Logger
}

// NewExpoSender creates a sender. An empty url selects the real gateway.
func NewExpoSender(url string, tokens delivery.TokenStore, logger zerolog.Logger) (*ExpoSender, error) {
	if tokens == nil {
		return nil, fmt.Errorf("token store cannot be nil")
	}
	if url == "" {
		url = DefaultGatewayURL
	}
	return &ExpoSender{
		url:        url,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     tokens,
		logger:     logger.With().Str("component", "ExpoSender").Logger(),
	}, nil
}

// pushMessage is one entry of the gateway's batched send request.
type pushMessage struct {
	To    string            `json:"to"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
	Sound string            `json:"sound"`
	Badge int               `json:"badge"`
}

// pushTicket is the per-message receipt in the gateway's response.
type pushTicket struct {
	Status  string `json:"status"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Details struct {
		Error string `json:"error,omitempty"`
	} `json:"details,omitempty"`
}

type pushResponse struct {
	Data []pushTicket `json:"data"`
}

// SendToRecipient sends a notification to every registered device of the
// recipient. The whole operation is fire-and-forget: every failure is
// logged locally and nothing propagates back to the event that triggered it.
func (s *ExpoSender) SendToRecipient(ctx context.Context, profileID, title, body string, data map[string]string, badge int) error {
	log := s.logger.With().Str("profile", profileID).Logger()

	tokens, err := s.tokens.TokensForProfile(ctx, profileID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load device tokens.")
		return nil
	}
	if len(tokens) == 0 {
		log.Debug().Msg("Recipient has no registered devices, skipping push.")
		return nil
	}

	// Tokens that fail format validation can never be delivered; delete them
	// up front instead of burning a gateway call.
	valid := make([]string, 0, len(tokens))
	var malformed []string
	for _, t := range tokens {
		if ValidTokenFormat(t.Token) {
			valid = append(valid, t.Token)
		} else {
			malformed = append(malformed, t.Token)
		}
	}
	if len(malformed) > 0 {
		log.Warn().Int("count", len(malformed)).Msg("Deleting malformed device tokens.")
		if err := s.tokens.DeleteMany(ctx, malformed); err != nil {
			log.Error().Err(err).Msg("Failed to delete malformed tokens.")
		}
	}
	if len(valid) == 0 {
		return nil
	}

	var dead []string
	for start := 0; start < len(valid); start += chunkSize {
		end := min(start+chunkSize, len(valid))
		chunk := valid[start:end]

		tickets, err := s.sendChunk(ctx, chunk, title, body, data, badge)
		if err != nil {
			// One failed chunk must not block the rest.
			log.Error().Err(err).Int("size", len(chunk)).Msg("Push chunk failed.")
			continue
		}
		dead = append(dead, deadTokens(chunk, tickets, log)...)
	}

	if len(dead) > 0 {
		log.Info().Int("count", len(dead)).Msg("Pruning tokens reported as not registered.")
		if err := s.tokens.DeleteMany(ctx, dead); err != nil {
			log.Error().Err(err).Msg("Failed to prune dead tokens.")
		}
	}
	return nil
}

func (s *ExpoSender) sendChunk(ctx context.Context, tokens []string, title, body string, data map[string]string, badge int) ([]pushTicket, error) {
	messages := make([]pushMessage, 0, len(tokens))
	for _, token := range tokens {
		messages = append(messages, pushMessage{
			To:    token,
			Title: title,
			Body:  body,
			Data:  data,
			Sound: "default",
			Badge: badge,
		})
	}

	payload, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push gateway unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("push gateway returned status %d", resp.StatusCode)
	}

	var parsed pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return parsed.Data, nil
}

// deadTokens inspects per-token tickets, index-aligned with the sent chunk.
// Only a permanent "not registered" receipt marks a token for deletion;
// transient errors keep the token so a flaky gateway never causes false
// pruning.
func deadTokens(tokens []string, tickets []pushTicket, log zerolog.Logger) []string {
	var dead []string
	for i, ticket := range tickets {
		if i >= len(tokens) || ticket.Status != "error" {
			continue
		}
		if ticket.Details.Error == errDeviceNotRegistered {
			dead = append(dead, tokens[i])
			continue
		}
		log.Warn().
			Str("error", ticket.Details.Error).
			Str("message", ticket.Message).
			Msg("Transient push error, keeping token.")
	}
	return dead
}

// ValidTokenFormat reports whether token looks like an Expo push token.
func ValidTokenFormat(token string) bool {
	return strings.HasPrefix(token, "ExponentPushToken[") && strings.HasSuffix(token, "]") &&
		len(token) > len("ExponentPushToken[]")
}
