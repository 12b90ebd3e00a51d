package db

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"testing"
)

func TestIsConnError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad conn", driver.ErrBadConn, true},
		{"eof", io.EOF, true},
		{"refused", errors.New("dial tcp 10.0.0.1:5432: connection refused"), true},
		{"reset", errors.New("read tcp: connection reset by peer"), true},
		{"server shutdown", errors.New("pq: the database system is shutting down"), true},
		{"statement error", errors.New("pq: duplicate key value violates unique constraint"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConnError(tt.err); got != tt.want {
				t.Errorf("IsConnError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryWriteStatementErrorReturnsImmediately(t *testing.T) {
	calls := 0
	err := RetryWrite(context.Background(), func() error {
		calls++
		return errors.New("pq: syntax error")
	})
	if err == nil {
		t.Fatal("expected the statement error back")
	}
	if calls != 1 {
		t.Errorf("fn called %d times, statement errors must not be retried", calls)
	}
}

func TestRetryWriteRecoversFromConnError(t *testing.T) {
	calls := 0
	err := RetryWrite(context.Background(), func() error {
		calls++
		if calls == 1 {
			return errors.New("write tcp: broken pipe")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RetryWrite: %v", err)
	}
	if calls != 2 {
		t.Errorf("fn called %d times, want one retry after the connection error", calls)
	}
}

func TestRetryWriteHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RetryWrite(ctx, func() error {
		return errors.New("connection refused")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("RetryWrite on cancelled context = %v, want context.Canceled", err)
	}
}
