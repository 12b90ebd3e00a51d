package channels

import (
	"context"
	"errors"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		ok   bool
		kind ErrorKind
	}{
		{200, true, ""},
		{202, true, ""},
		{429, false, RateLimited},
		{408, false, Retryable},
		{400, false, Permanent},
		{404, false, Permanent},
		{500, false, Retryable},
		{503, false, Retryable},
	}
	for _, tt := range tests {
		ok, kind := classifyStatus(tt.code)
		if ok != tt.ok || kind != tt.kind {
			t.Errorf("classifyStatus(%d) = %v, %q; want %v, %q", tt.code, ok, kind, tt.ok, tt.kind)
		}
	}
}

func TestClassifySMTP(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"mailbox unavailable", errors.New("rcpt to: 550 5.1.1 user unknown"), InvalidRecipient},
		{"user not local", errors.New("rcpt to: 551 user not local"), InvalidRecipient},
		{"mailbox name bad", errors.New("rcpt to: 553 bad mailbox"), InvalidRecipient},
		{"server permanent", errors.New("mail from: 554 transaction failed"), Permanent},
		{"server transient", errors.New("data: 451 try again later"), Retryable},
		{"no code at all", errors.New("connection reset by peer"), Retryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifySMTP(tt.err); got != tt.want {
				t.Errorf("classifySMTP(%q) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestMockAdapterRecords(t *testing.T) {
	m := NewMockAdapter("sms")

	res := m.Send(context.Background(), &Message{AlarmID: 1, Recipient: "+491111"})
	if !res.Success || res.ProviderMessageID != "mock-sms-1" {
		t.Errorf("first send = %+v", res)
	}
	res = m.Send(context.Background(), &Message{AlarmID: 2, Recipient: "+492222"})
	if res.ProviderMessageID != "mock-sms-2" {
		t.Errorf("second send = %+v", res)
	}

	sent := m.Sent()
	if len(sent) != 2 || sent[1].Recipient != "+492222" {
		t.Errorf("Sent() = %+v, want both messages in order", sent)
	}
}
