package modempool

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"
)

func TestModemRemaining(t *testing.T) {
	tests := []struct {
		size, sent, want int
	}{
		{1000, 0, 1000},
		{1000, 999, 1},
		{1000, 1000, 0},
		{1000, 1200, 0},
	}
	for _, tt := range tests {
		m := Modem{PackageSize: tt.size, SMSSentCount: tt.sent}
		if got := m.Remaining(); got != tt.want {
			t.Errorf("Remaining(%d/%d) = %d, want %d", tt.sent, tt.size, got, tt.want)
		}
	}
}

func TestModemAllowsService(t *testing.T) {
	open := Modem{}
	restricted := Modem{AllowedServices: []string{"sos", "theft"}}

	tests := []struct {
		name    string
		m       Modem
		service string
		want    bool
	}{
		{"unrestricted modem", open, "anything", true},
		{"empty service", restricted, "", true},
		{"allowed service", restricted, "sos", true},
		{"blocked service", restricted, "marketing", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.m.AllowsService(tt.service); got != tt.want {
				t.Errorf("AllowsService(%q) = %v, want %v", tt.service, got, tt.want)
			}
		})
	}
}

func TestPoolOrderDedicatedFirst(t *testing.T) {
	p := NewPool(nil, time.Second, zap.NewNop())

	shared := &Modem{ID: 1, Name: "shared"}
	dedicated := &Modem{ID: 2, Name: "dedicated", DedicatedIMEIs: []string{"555"}}
	restricted := &Modem{ID: 3, Name: "restricted", AllowedServices: []string{"sos"}}

	// Device with a dedicated modem only gets that modem.
	got := p.order([]*Modem{shared, dedicated}, &SendRequest{IMEI: "555"})
	if len(got) != 1 || got[0].ID != 2 {
		t.Errorf("dedicated device got %v modems, want only the dedicated one", names(got))
	}

	// Other devices never see a dedicated modem.
	got = p.order([]*Modem{shared, dedicated}, &SendRequest{IMEI: "999"})
	if len(got) != 1 || got[0].ID != 1 {
		t.Errorf("shared device got %v, want only the shared modem", names(got))
	}

	// Service filter removes non-matching modems.
	got = p.order([]*Modem{shared, restricted}, &SendRequest{IMEI: "999", Service: "theft"})
	if len(got) != 1 || got[0].ID != 1 {
		t.Errorf("service-filtered selection got %v, want only the shared modem", names(got))
	}
}

func names(ms []*Modem) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Name
	}
	return out
}

func TestRolloverExpiredResetsCounters(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()
	store := NewStore(mockDB, zap.NewNop())

	// Rollover keeps the modem in routing: counter back to zero and the
	// package window advanced, never enabled = false.
	mock.ExpectExec(`UPDATE alarms_sms_modems\s+SET sms_sent_count = 0,\s+package_starts_at = package_expires_at`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := store.RolloverExpired(context.Background())
	if err != nil {
		t.Fatalf("RolloverExpired: %v", err)
	}
	if n != 2 {
		t.Errorf("rolled over %d modems, want 2", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestIncrementUsageQuotaGuard(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()
	store := NewStore(mockDB, zap.NewNop())

	mock.ExpectQuery("UPDATE alarms_sms_modems SET sms_sent_count").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"sms_sent_count"}).AddRow(501))
	mock.ExpectExec("INSERT INTO alarms_sms_modem_usage").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := store.IncrementUsage(context.Background(), 1)
	if err != nil || !ok {
		t.Fatalf("IncrementUsage = %v, %v; want true, nil", ok, err)
	}

	// Guarded update matches no row once the package is spent.
	mock.ExpectQuery("UPDATE alarms_sms_modems SET sms_sent_count").
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"sms_sent_count"}))

	ok, err = store.IncrementUsage(context.Background(), 2)
	if err != nil {
		t.Fatalf("IncrementUsage exhausted: %v", err)
	}
	if ok {
		t.Error("expected false for exhausted quota")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
