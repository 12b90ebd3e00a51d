package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// VoiceAdapter places automated calls through an HTTP voice provider.
// The provider receives the destination number and a text-to-speech
// script and returns a call id.
type VoiceAdapter struct {
	url    string
	token  string
	client *http.Client
	logger *zap.Logger
}

func NewVoiceAdapter(url, token string, timeout time.Duration, logger *zap.Logger) *VoiceAdapter {
	return &VoiceAdapter{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (v *VoiceAdapter) Name() string { return "voice" }

func (v *VoiceAdapter) Send(ctx context.Context, msg *Message) Result {
	if msg.Recipient == "" {
		return failure(fmt.Errorf("contact has no phone number"), InvalidRecipient)
	}

	payload, err := json.Marshal(map[string]string{
		"to":     msg.Recipient,
		"script": msg.Body,
	})
	if err != nil {
		return failure(err, Permanent)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url+"/calls", bytes.NewReader(payload))
	if err != nil {
		return failure(err, Permanent)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+v.token)

	resp, err := v.client.Do(req)
	if err != nil {
		return failure(fmt.Errorf("voice provider request: %w", err), Retryable)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	ok, kind := classifyStatus(resp.StatusCode)
	if !ok {
		return Result{
			Err:      fmt.Errorf("voice provider returned %d: %s", resp.StatusCode, bytes.TrimSpace(body)),
			Kind:     kind,
			Response: string(body),
		}
	}

	var out struct {
		CallID string `json:"call_id"`
	}
	_ = json.Unmarshal(body, &out)

	return Result{
		Success:           true,
		ProviderMessageID: out.CallID,
		ProviderName:      v.Name(),
		Response:          string(body),
	}
}

func (v *VoiceAdapter) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

var _ Adapter = (*VoiceAdapter)(nil)
