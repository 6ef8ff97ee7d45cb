package scheduler

import (
	"strings"
	"testing"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    string
		wantErr string
	}{
		{raw: "*/5 * * * *", want: "cron(*/5 * * * *)"},
		{raw: "cron: 0 0 * * *", want: "cron(0 0 * * *)"},
		{raw: "@daily", want: "cron(@daily)"},
		{raw: "10m", want: "interval(10m0s)"},
		{raw: "interval:45s", want: "interval(45s)"},
		{raw: "every:2h30m", want: "interval(2h30m0s)"},
		{raw: "01:30", want: "interval(1h30m0s)"},
		{raw: "every:26:00", want: "interval(26h0m0s)"},
		{raw: "at:2024-06-01T10:00:00Z", want: "date(2024-06-01T10:00:00Z)"},
		{raw: "", wantErr: "required"},
		{raw: "cron:", wantErr: "cron expression required"},
		{raw: "every:0s", wantErr: "must be > 0"},
		{raw: "1:5", wantErr: "invalid"},
		{raw: "at:tomorrow", wantErr: "RFC 3339"},
		{raw: "not-a-schedule", wantErr: "invalid schedule"},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.raw)
		if tt.wantErr != "" {
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("ParseSchedule(%q) err = %v, want %q", tt.raw, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tt.raw, err)
		}
		if got.String() != tt.want {
			t.Fatalf("ParseSchedule(%q) = %s, want %s", tt.raw, got, tt.want)
		}
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM(" 23:59 ")
	if err != nil || h != 23 || m != 59 {
		t.Fatalf("parseHHMM = %d,%d,%v", h, m, err)
	}
	for _, bad := range []string{"24:00", "12:60", "1230", "aa:bb", ""} {
		if _, _, err := parseHHMM(bad); err == nil {
			t.Fatalf("parseHHMM(%q) accepted", bad)
		}
	}
}
