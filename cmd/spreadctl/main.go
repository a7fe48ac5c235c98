// spreadctl runs the vertical-spread trade-management control plane: it
// watches an equity options account, proposes and scores candidate
// verticals, opens and monitors them, and closes them according to the
// close-rule table, on a fixed tick. Architecture: Proposal -> Risk ->
// Execution -> Monitor, wired together by the cycle scheduler.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/optrader/spreadctl/broker"
	"github.com/optrader/spreadctl/clock"
	"github.com/optrader/spreadctl/config"
	"github.com/optrader/spreadctl/cycle"
	"github.com/optrader/spreadctl/eventlog"
	"github.com/optrader/spreadctl/execution"
	"github.com/optrader/spreadctl/monitor"
	"github.com/optrader/spreadctl/notify"
	"github.com/optrader/spreadctl/proposal"
	"github.com/optrader/spreadctl/risk"
	"github.com/optrader/spreadctl/snapshot"
	"github.com/optrader/spreadctl/storage"
)

const version = "1.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found, using process environment")
	}
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Str("version", version).Msg("spreadctl starting")

	store, err := storage.Open(requiredEnv("DATABASE_DSN", "spreadctl.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}

	var events *eventlog.Log
	if dsn := os.Getenv("EVENT_LOG_DSN"); dsn != "" {
		events, err = eventlog.Open(dsn)
		if err != nil {
			log.Warn().Err(err).Msg("event log unavailable, broker events will not be recorded")
			events = nil
		}
	}
	// events is handed through interface parameters below; only wrap it in
	// a non-nil interface value when it actually points to something, else
	// a nil *eventlog.Log boxed in a non-nil interface would defeat the
	// nil checks those components use to make event recording optional.
	var eventRecorderForRisk risk.EventRecorder
	var eventRecorderForExec execution.EventRecorder
	if events != nil {
		eventRecorderForRisk = riskEventAdapter{events}
		eventRecorderForExec = events
	}

	brokerClient := broker.NewClient(
		requiredEnv("BROKER_BASE_URL", "https://api.tradier.com"),
		os.Getenv("BROKER_TOKEN"),
		os.Getenv("BROKER_ACCOUNT_ID"),
		broker.WithDryRun(os.Getenv("TRADING_MODE") == "DRY_RUN"),
	)

	resolver := config.NewResolver(store)
	cfg := config.Load(resolver)

	riskManager := risk.NewManager(store, eventRecorderForRisk, cfg.DailyLossLimit, cfg.MaxOpenTrades)
	rejectionTracker := risk.NewRejectionTracker(riskManager, cfg.RejectionStreakThreshold)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	smaBuffers := make(map[string]*clock.TickBuffer, len(cfg.EligibleSymbols))
	sinks := make(map[string]broker.TickSink, len(cfg.EligibleSymbols))
	for _, symbol := range cfg.EligibleSymbols {
		buf := clock.NewTickBuffer(20)
		smaBuffers[symbol] = buf
		sinks[symbol] = buf
	}

	if wsURL := os.Getenv("BROKER_STREAM_URL"); wsURL != "" {
		stream := broker.NewQuoteStream(wsURL, os.Getenv("BROKER_TOKEN"), sinks)
		go stream.Run(ctx)
	}

	generator := proposal.NewGenerator(brokerClient, store, nil, smaBuffers)
	evaluator := monitor.NewEvaluator(brokerClient, store, tickSourceMap(smaBuffers))
	executor := execution.NewExecutor(brokerClient, store, eventRecorderForExec, rejectionTracker, cfg.TradingMode)
	reconciler := execution.NewReconciler(store, riskManager)
	syncer := snapshot.NewSyncer(brokerClient, store, reconciler, os.Getenv("BROKER_ACCOUNT_ID"))

	notifier, err := notify.NewBot(os.Getenv("TELEGRAM_BOT_TOKEN"), telegramChatID())
	if err != nil {
		log.Warn().Err(err).Msg("telegram notifications disabled")
	}
	if notifier != nil {
		reconciler.SetNotifier(notifier)
	}

	holderID := hostnameOrPID()
	scheduler := cycle.NewScheduler(store, brokerClient, riskManager, resolver, generator, evaluator, executor, reconciler, syncer, schedulerNotifier(notifier), holderID)

	go scheduler.Run(ctx)

	log.Info().Msg("spreadctl running, awaiting shutdown signal")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()
	if events != nil {
		_ = events.Close()
	}
	log.Info().Msg("shutdown complete")
}

func requiredEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func telegramChatID() int64 {
	id, _ := strconv.ParseInt(os.Getenv("TELEGRAM_CHAT_ID"), 10, 64)
	return id
}

func hostnameOrPID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return strconv.Itoa(os.Getpid())
}

// tickSourceMap adapts a symbol->*clock.TickBuffer map to monitor's narrower
// TickSource interface.
func tickSourceMap(buffers map[string]*clock.TickBuffer) map[string]monitor.TickSource {
	out := make(map[string]monitor.TickSource, len(buffers))
	for symbol, buf := range buffers {
		out[symbol] = buf
	}
	return out
}

// riskEventAdapter bridges eventlog.Log's RecordSystemLog (which takes
// eventlog.SystemLogEntry) to risk.EventRecorder's identically-shaped but
// distinctly-typed SystemLogEntry, avoiding a risk<->eventlog import cycle.
type riskEventAdapter struct {
	log *eventlog.Log
}

func (a riskEventAdapter) RecordSystemLog(ctx context.Context, e risk.SystemLogEntry) error {
	return a.log.RecordSystemLog(ctx, eventlog.SystemLogEntry{
		Level:     e.Level,
		Component: e.Component,
		Message:   e.Message,
		Context:   e.Context,
	})
}

// schedulerNotifier adapts a possibly-nil *notify.Bot to cycle.Notifier; a
// nil *notify.Bot is itself nil-receiver-safe, but passing a concrete nil
// pointer through an interface parameter would make the interface non-nil,
// so the scheduler is only handed a non-nil Notifier when one exists.
func schedulerNotifier(b *notify.Bot) cycle.Notifier {
	if b == nil {
		return nil
	}
	return b
}
