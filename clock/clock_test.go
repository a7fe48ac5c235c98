package clock

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestIsTradingDay(t *testing.T) {
	monday := time.Date(2026, 7, 27, 12, 0, 0, 0, Eastern)
	saturday := time.Date(2026, 8, 1, 12, 0, 0, 0, Eastern)
	if !IsTradingDay(monday) {
		t.Error("Monday should be a trading day")
	}
	if IsTradingDay(saturday) {
		t.Error("Saturday should not be a trading day")
	}
}

func TestIsMarketOpen(t *testing.T) {
	open := time.Date(2026, 7, 27, 10, 0, 0, 0, Eastern)
	beforeOpen := time.Date(2026, 7, 27, 9, 0, 0, 0, Eastern)
	afterClose := time.Date(2026, 7, 27, 17, 0, 0, 0, Eastern)
	weekend := time.Date(2026, 8, 1, 10, 0, 0, 0, Eastern)

	if !IsMarketOpen(open) {
		t.Error("10:00 ET on a weekday should be market open")
	}
	if IsMarketOpen(beforeOpen) {
		t.Error("9:00 ET is before the 9:30 open")
	}
	if IsMarketOpen(afterClose) {
		t.Error("17:00 ET is after the 16:00 close")
	}
	if IsMarketOpen(weekend) {
		t.Error("weekend should never be open regardless of time of day")
	}
}

func TestDaysToExpiration(t *testing.T) {
	asOf := time.Date(2026, 7, 30, 14, 0, 0, 0, Eastern)
	exp := time.Date(2026, 8, 7, 0, 0, 0, 0, Eastern)
	if got := DaysToExpiration(asOf, exp); got != 8 {
		t.Errorf("DaysToExpiration = %d, want 8", got)
	}
}

func TestParseExpirationRoundTrip(t *testing.T) {
	parsed, err := ParseExpiration("2026-08-21")
	if err != nil {
		t.Fatalf("ParseExpiration: %v", err)
	}
	if parsed.Year() != 2026 || parsed.Month() != time.August || parsed.Day() != 21 {
		t.Errorf("ParseExpiration produced %v, want 2026-08-21", parsed)
	}
}

func TestTickBufferChangeSince(t *testing.T) {
	buf := NewTickBuffer(5)
	base := time.Date(2026, 7, 30, 10, 0, 0, 0, Eastern)

	buf.Push(base, decimal.NewFromInt(100))
	if _, ok := buf.ChangeSince(time.Minute); ok {
		t.Error("with only one tick, no horizon should be old enough yet")
	}

	buf.Push(base.Add(time.Minute), decimal.NewFromInt(105))
	change, ok := buf.ChangeSince(time.Minute)
	if !ok {
		t.Fatal("ChangeSince should now find a reference tick at or before the horizon")
	}
	if !change.Equal(decimal.NewFromInt(5)) {
		t.Errorf("change = %s, want 5", change)
	}
}

func TestTickBufferEvictsOldestOnOverflow(t *testing.T) {
	buf := NewTickBuffer(2)
	base := time.Date(2026, 7, 30, 10, 0, 0, 0, Eastern)

	buf.Push(base, decimal.NewFromInt(1))
	buf.Push(base.Add(time.Second), decimal.NewFromInt(2))
	buf.Push(base.Add(2*time.Second), decimal.NewFromInt(3))

	avg, ok := buf.Average()
	if !ok {
		t.Fatal("Average should succeed once the ring has entries")
	}
	// capacity 2, so only ticks 2 and 3 should remain (1 was evicted).
	if !avg.Equal(decimal.NewFromFloat(2.5)) {
		t.Errorf("Average = %s, want 2.5 (avg of 2 and 3 after evicting 1)", avg)
	}

	latest, ok := buf.Latest()
	if !ok || !latest.Equal(decimal.NewFromInt(3)) {
		t.Errorf("Latest = %s, want 3", latest)
	}
}

func TestTickBufferRegime(t *testing.T) {
	buf := NewTickBuffer(5)
	base := time.Date(2026, 7, 30, 10, 0, 0, 0, Eastern)
	buf.Push(base, decimal.NewFromInt(100))
	buf.Push(base.Add(time.Minute), decimal.NewFromInt(110))

	change, bullish, bearish := buf.Regime(time.Minute, decimal.NewFromInt(2))
	if !change.Equal(decimal.NewFromInt(10)) {
		t.Errorf("change = %s, want 10", change)
	}
	if !bullish || bearish {
		t.Errorf("a +10 change against a neutral band of 2 should read bullish, got bullish=%v bearish=%v", bullish, bearish)
	}
}
