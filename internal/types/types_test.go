package types

import (
	"testing"
)

func TestParseTimeframe(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Timeframe
		seconds int64
		wantErr bool
	}{
		{name: "empty defaults to daily", input: "", want: Timeframe1d, seconds: 86400},
		{name: "hourly", input: "1h", want: Timeframe1h, seconds: 3600},
		{name: "four hours", input: "4h", want: Timeframe4h, seconds: 14400},
		{name: "upper case", input: "1D", want: Timeframe1d, seconds: 86400},
		{name: "unknown", input: "15m", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimeframe(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTimeframe(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got != tt.want {
				t.Errorf("ParseTimeframe(%q) = %v, want %v", tt.input, got, tt.want)
			}
			if got.Seconds() != tt.seconds {
				t.Errorf("%v.Seconds() = %v, want %v", got, got.Seconds(), tt.seconds)
			}
		})
	}
}

func TestServiceErrorMessage(t *testing.T) {
	err := &ServiceError{Code: "NOT_FOUND", Message: "item not found"}
	if err.Error() == "" {
		t.Error("Error() returned empty string")
	}
}
