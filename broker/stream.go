package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/optrader/spreadctl/clock"
)

// TickSink receives underlying-price ticks as they arrive off the stream.
type TickSink interface {
	Push(at time.Time, price decimal.Decimal)
}

// QuoteStream maintains a websocket connection to the broker's streaming
// quote endpoint and feeds ticks into a clock.TickBuffer per symbol. It
// reconnects with backoff on any read error so the feed survives a dropped
// connection without operator intervention.
type QuoteStream struct {
	url    string
	token  string
	sinks  map[string]TickSink
}

// NewQuoteStream builds a stream client against wsURL, authenticating with
// bearerToken. sinks maps underlying symbol to the buffer it feeds.
func NewQuoteStream(wsURL, bearerToken string, sinks map[string]TickSink) *QuoteStream {
	return &QuoteStream{url: wsURL, token: bearerToken, sinks: sinks}
}

type streamMessage struct {
	Type   string          `json:"type"`
	Symbol string          `json:"symbol"`
	Last   decimal.Decimal `json:"last"`
}

// Run connects and dispatches ticks until ctx is cancelled, reconnecting
// with a capped exponential backoff on any error.
func (qs *QuoteStream) Run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := qs.connectOnce(ctx); err != nil {
			log.Warn().Err(err).Dur("backoff", backoff).Msg("quote stream disconnected, reconnecting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
	}
}

func (qs *QuoteStream) connectOnce(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+qs.token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, qs.url, header)
	if err != nil {
		return fmt.Errorf("broker: dial quote stream: %w", err)
	}
	defer conn.Close()

	symbols := make([]string, 0, len(qs.sinks))
	for sym := range qs.sinks {
		symbols = append(symbols, sym)
	}
	if err := conn.WriteJSON(map[string]any{"type": "subscribe", "symbols": symbols}); err != nil {
		return fmt.Errorf("broker: subscribe quote stream: %w", err)
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var msg streamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("broker: read quote stream: %w", err)
		}
		if msg.Type != "quote" {
			continue
		}
		sink, ok := qs.sinks[msg.Symbol]
		if !ok {
			continue
		}
		sink.Push(clock.Now(), msg.Last)
	}
}
