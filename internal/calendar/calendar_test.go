package calendar

import (
	"testing"
	"time"

	"ai-trader/internal/config"
)

func TestIsTradingDay(t *testing.T) {
	cal, err := New(config.CalendarConfig{
		Holidays: map[string][]string{
			"astock": {"2026-03-03"},
		},
	}, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	cases := []struct {
		name   string
		date   time.Time
		market string
		want   bool
	}{
		{"weekday", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), "astock", true},
		{"holiday", time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), "astock", false},
		{"saturday", time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC), "astock", false},
		{"sunday", time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC), "astock", false},
		{"other market ignores holiday", time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), "us", true},
		{"crypto weekend", time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC), "crypto", true},
		{"crypto holiday", time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), "crypto", true},
	}

	for _, tc := range cases {
		got, err := cal.IsTradingDay(tc.date, tc.market)
		if err != nil {
			t.Fatalf("%s: IsTradingDay returned error: %v", tc.name, err)
		}
		if got != tc.want {
			t.Errorf("%s: IsTradingDay(%s, %s) = %v, want %v",
				tc.name, tc.date.Format("2006-01-02"), tc.market, got, tc.want)
		}
	}
}

func TestNew_RejectsMalformedHoliday(t *testing.T) {
	_, err := New(config.CalendarConfig{
		Holidays: map[string][]string{
			"astock": {"03/02/2026"},
		},
	}, nil)
	if err == nil {
		t.Fatalf("expected error for malformed holiday date")
	}
}
