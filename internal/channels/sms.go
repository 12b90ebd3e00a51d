package channels

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"alarm-dispatcher/internal/modempool"
)

// SMSSender is implemented by modempool.Pool.
type SMSSender interface {
	Send(ctx context.Context, req *modempool.SendRequest) (*modempool.Receipt, error)
	Healthy(ctx context.Context) bool
}

// SMSAdapter routes SMS through the hardware modem pool.
type SMSAdapter struct {
	pool   SMSSender
	logger *zap.Logger
}

func NewSMSAdapter(pool SMSSender, logger *zap.Logger) *SMSAdapter {
	return &SMSAdapter{pool: pool, logger: logger}
}

func (s *SMSAdapter) Name() string { return "modempool" }

func (s *SMSAdapter) Send(ctx context.Context, msg *Message) Result {
	if msg.Recipient == "" {
		return failure(fmt.Errorf("contact has no phone number"), InvalidRecipient)
	}

	receipt, err := s.pool.Send(ctx, &modempool.SendRequest{
		To:      msg.Recipient,
		Body:    msg.Body,
		Service: msg.Service,
		IMEI:    msg.IMEI,
	})
	if err != nil {
		kind := Retryable
		switch {
		case errors.Is(err, modempool.ErrAllModemsExhausted):
			// Every eligible modem is out of quota or unhealthy; the
			// message can only succeed later.
			kind = Retryable
		case errors.Is(err, modempool.ErrInvalidNumber):
			kind = InvalidRecipient
		}
		return failure(err, kind)
	}

	return Result{
		Success:           true,
		ProviderMessageID: receipt.MessageID,
		ProviderName:      s.Name(),
		ModemID:           receipt.ModemID,
		ModemName:         receipt.ModemName,
		Response:          receipt.Response,
	}
}

func (s *SMSAdapter) Healthy(ctx context.Context) bool {
	return s.pool.Healthy(ctx)
}

var _ Adapter = (*SMSAdapter)(nil)
