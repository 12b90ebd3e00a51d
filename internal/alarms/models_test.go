package alarms

import (
	"testing"
	"time"
)

func strp(s string) *string { return &s }

func TestWantsAndSentOn(t *testing.T) {
	a := &Alarm{IsSMS: true, IsCall: true, SMSSent: true}

	tests := []struct {
		ch    Channel
		wants bool
		sent  bool
	}{
		{ChannelSMS, true, true},
		{ChannelEmail, false, false},
		{ChannelVoice, true, false},
		{ChannelPush, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.ch), func(t *testing.T) {
			if got := a.Wants(tt.ch); got != tt.wants {
				t.Errorf("Wants(%s) = %v, want %v", tt.ch, got, tt.wants)
			}
			if got := a.SentOn(tt.ch); got != tt.sent {
				t.Errorf("SentOn(%s) = %v, want %v", tt.ch, got, tt.sent)
			}
		})
	}
}

func TestInQuietHours(t *testing.T) {
	at := func(hhmm string) time.Time {
		tm, err := time.Parse("15:04", hhmm)
		if err != nil {
			t.Fatalf("bad test time %q", hhmm)
		}
		return time.Date(2024, 6, 1, tm.Hour(), tm.Minute(), 0, 0, time.UTC)
	}

	tests := []struct {
		name   string
		start  *string
		end    *string
		now    string
		expect bool
	}{
		{"no window", nil, nil, "12:00", false},
		{"inside simple window", strp("08:00"), strp("17:00"), "12:00", true},
		{"before simple window", strp("08:00"), strp("17:00"), "07:59", false},
		{"end is exclusive", strp("08:00"), strp("17:00"), "17:00", false},
		{"wrap evening side", strp("22:00"), strp("06:00"), "23:30", true},
		{"wrap morning side", strp("22:00"), strp("06:00"), "05:59", true},
		{"wrap outside", strp("22:00"), strp("06:00"), "12:00", false},
		{"zero-length window", strp("09:00"), strp("09:00"), "09:00", false},
		{"unparseable start", strp("25:99"), strp("06:00"), "03:00", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Contact{QuietStart: tt.start, QuietEnd: tt.end}
			if got := c.InQuietHours(at(tt.now)); got != tt.expect {
				t.Errorf("InQuietHours(%s) = %v, want %v", tt.now, got, tt.expect)
			}
		})
	}
}

func TestContactRecipient(t *testing.T) {
	c := Contact{IMEI: "123456789012345", Email: strp("ops@example.com"), Phone: strp("+4911111111")}

	tests := []struct {
		ch     Channel
		expect string
	}{
		{ChannelEmail, "ops@example.com"},
		{ChannelSMS, "+4911111111"},
		{ChannelVoice, "+4911111111"},
		{ChannelPush, "123456789012345"},
	}
	for _, tt := range tests {
		if got := c.Recipient(tt.ch); got != tt.expect {
			t.Errorf("Recipient(%s) = %q, want %q", tt.ch, got, tt.expect)
		}
	}

	empty := Contact{IMEI: "1"}
	if got := empty.Recipient(ChannelEmail); got != "" {
		t.Errorf("Recipient on contact without email = %q, want empty", got)
	}
}
