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

// TokenPruner removes device tokens the provider reported invalid.
type TokenPruner interface {
	DeletePushToken(ctx context.Context, token string) error
}

// PushAdapter multicasts a notification to all registered device tokens
// of an imei through an HTTP push provider. Tokens the provider rejects
// are pruned so they are not retried forever.
type PushAdapter struct {
	url    string
	token  string
	client *http.Client
	pruner TokenPruner
	logger *zap.Logger
}

func NewPushAdapter(url, token string, timeout time.Duration, pruner TokenPruner, logger *zap.Logger) *PushAdapter {
	return &PushAdapter{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
		pruner: pruner,
		logger: logger,
	}
}

func (p *PushAdapter) Name() string { return "push" }

func (p *PushAdapter) Send(ctx context.Context, msg *Message) Result {
	if len(msg.Tokens) == 0 {
		return failure(fmt.Errorf("no push tokens registered for %s", msg.IMEI), InvalidRecipient)
	}

	payload, err := json.Marshal(map[string]any{
		"tokens": msg.Tokens,
		"title":  msg.Subject,
		"body":   msg.Body,
		"data": map[string]any{
			"alarm_id": msg.AlarmID,
			"imei":     msg.IMEI,
		},
	})
	if err != nil {
		return failure(err, Permanent)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"/send", bytes.NewReader(payload))
	if err != nil {
		return failure(err, Permanent)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return failure(fmt.Errorf("push provider request: %w", err), Retryable)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	ok, kind := classifyStatus(resp.StatusCode)
	if !ok {
		return Result{
			Err:      fmt.Errorf("push provider returned %d", resp.StatusCode),
			Kind:     kind,
			Response: string(body),
		}
	}

	var out struct {
		MessageID     string   `json:"message_id"`
		Delivered     int      `json:"delivered"`
		InvalidTokens []string `json:"invalid_tokens"`
	}
	_ = json.Unmarshal(body, &out)

	for _, tok := range out.InvalidTokens {
		if err := p.pruner.DeletePushToken(ctx, tok); err != nil {
			p.logger.Warn("failed to prune invalid push token", zap.Error(err))
		}
	}

	if out.Delivered == 0 && len(out.InvalidTokens) == len(msg.Tokens) {
		return failure(fmt.Errorf("all %d push tokens invalid", len(msg.Tokens)), InvalidRecipient)
	}

	return Result{
		Success:           true,
		ProviderMessageID: out.MessageID,
		ProviderName:      p.Name(),
		Response:          string(body),
	}
}

func (p *PushAdapter) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

var _ Adapter = (*PushAdapter)(nil)
