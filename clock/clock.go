// Package clock is the market-calendar and tick-buffer component: Eastern-
// time session math, trading-day/DTE helpers, and the in-memory
// underlying-price ring buffer used for recent-change and regime reads
// instead of a pair of rotating Setting-key snapshots.
package clock

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Eastern is the exchange's trading timezone. Loaded once at package init;
// if the tzdata isn't available (e.g. a scratch container), fall back to a
// fixed -5h offset rather than panic — DST drift is preferable to a dead
// process.
var Eastern *time.Location

func init() {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("EST", -5*60*60)
	}
	Eastern = loc
}

// sessionOpen and sessionClose are expressed in Eastern wall-clock time.
var (
	sessionOpen  = 9*time.Hour + 30*time.Minute
	sessionClose = 16 * time.Hour
)

// Now returns the current time in the exchange timezone.
func Now() time.Time {
	return time.Now().In(Eastern)
}

// IsTradingDay reports whether t falls on a weekday. Market holidays are not
// modeled (spec does not call for a holiday calendar); callers relying on
// session-open checks against a live quote feed will naturally see a stale
// or empty book on a holiday and can fall back to that signal.
func IsTradingDay(t time.Time) bool {
	wd := t.In(Eastern).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// IsMarketOpen reports whether t falls within the regular trading session on
// a trading day.
func IsMarketOpen(t time.Time) bool {
	if !IsTradingDay(t) {
		return false
	}
	et := t.In(Eastern)
	sinceMidnight := time.Duration(et.Hour())*time.Hour + time.Duration(et.Minute())*time.Minute + time.Duration(et.Second())*time.Second
	return sinceMidnight >= sessionOpen && sinceMidnight < sessionClose
}

// DaysToExpiration returns the whole-day count from asOf's calendar date to
// expiration's calendar date (both interpreted in Eastern time), matching
// the convention option chains quote DTE by.
func DaysToExpiration(asOf time.Time, expiration time.Time) int {
	a := asOf.In(Eastern)
	e := expiration.In(Eastern)
	aDate := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, Eastern)
	eDate := time.Date(e.Year(), e.Month(), e.Day(), 0, 0, 0, 0, Eastern)
	return int(eDate.Sub(aDate).Hours() / 24)
}

// ParseExpiration parses the store's "YYYY-MM-DD" expiration string into a
// midnight-Eastern time.Time.
func ParseExpiration(s string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02", s, Eastern)
}

// ───────────────────────────── TickBuffer ─────────────────────────────

type tick struct {
	at    time.Time
	price decimal.Decimal
}

// TickBuffer is an append-only, fixed-capacity ring of recent underlying
// prices for one symbol. It is the one piece of tick-level state explicitly
// allowed to live in memory across a cycle boundary — it is never persisted,
// and a process restart simply starts the ring empty.
type TickBuffer struct {
	mu       sync.Mutex
	cap      int
	ticks    []tick
	nextSlot int
	filled   bool
}

// NewTickBuffer creates a ring holding up to capacity ticks.
func NewTickBuffer(capacity int) *TickBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &TickBuffer{cap: capacity, ticks: make([]tick, capacity)}
}

// Push appends the latest observed price, evicting the oldest entry once the
// ring is full.
func (b *TickBuffer) Push(at time.Time, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ticks[b.nextSlot] = tick{at: at, price: price}
	b.nextSlot = (b.nextSlot + 1) % b.cap
	if b.nextSlot == 0 {
		b.filled = true
	}
}

// ordered returns the buffered ticks oldest-first.
func (b *TickBuffer) ordered() []tick {
	if !b.filled {
		return append([]tick(nil), b.ticks[:b.nextSlot]...)
	}
	out := make([]tick, 0, b.cap)
	out = append(out, b.ticks[b.nextSlot:]...)
	out = append(out, b.ticks[:b.nextSlot]...)
	return out
}

// ChangeSince returns price_now - price_at(now - d), using the newest
// buffered tick at or before that horizon. Returns false if no tick is old
// enough to cover the requested horizon yet (e.g. right after process start).
func (b *TickBuffer) ChangeSince(d time.Duration) (decimal.Decimal, bool) {
	b.mu.Lock()
	ordered := b.ordered()
	b.mu.Unlock()

	if len(ordered) == 0 {
		return decimal.Zero, false
	}
	latest := ordered[len(ordered)-1]
	horizon := latest.at.Add(-d)

	var reference *tick
	for i := range ordered {
		if !ordered[i].at.After(horizon) {
			reference = &ordered[i]
		} else {
			break
		}
	}
	if reference == nil {
		return decimal.Zero, false
	}
	return latest.price.Sub(reference.price), true
}

// Average returns the mean of every currently buffered price — used as a
// simple moving average proxy for the regime read when the ring is sized to
// the SMA window.
func (b *TickBuffer) Average() (decimal.Decimal, bool) {
	b.mu.Lock()
	ordered := b.ordered()
	b.mu.Unlock()

	if len(ordered) == 0 {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for _, t := range ordered {
		sum = sum.Add(t.price)
	}
	return sum.Div(decimal.NewFromInt(int64(len(ordered)))), true
}

// Latest returns the most recently pushed price.
func (b *TickBuffer) Latest() (decimal.Decimal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.filled && b.nextSlot == 0 {
		return decimal.Zero, false
	}
	idx := (b.nextSlot - 1 + b.cap) % b.cap
	return b.ticks[idx].price, true
}

// Regime classifies the underlying's short-term trend from its buffered
// ticks: a simple change-over-window sign read against a neutral band,
// approximated here from the tick buffer rather than a persisted bar
// series, since the buffer is the only in-process history available.
func (b *TickBuffer) Regime(window time.Duration, neutralBand decimal.Decimal) (changed decimal.Decimal, bullish, bearish bool) {
	change, ok := b.ChangeSince(window)
	if !ok {
		return decimal.Zero, false, false
	}
	return change, change.GreaterThan(neutralBand), change.LessThan(neutralBand.Neg())
}
