// TradePulse - intraday execution engine for NSE equities over Kotak Neo.
//
// Boot order: worker pool, instrument cache, broker session, risk sentinel,
// market feed. Trading starts only when the operator posts
// /api/v1/engine/start; the engine flattens everything at the configured
// square-off time and persists its risk state across same-day restarts.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/manavkr/tradepulse/api"
	"github.com/manavkr/tradepulse/bot"
	"github.com/manavkr/tradepulse/core"
	"github.com/manavkr/tradepulse/execution"
	"github.com/manavkr/tradepulse/feeds"
	"github.com/manavkr/tradepulse/guard"
	"github.com/manavkr/tradepulse/instruments"
	"github.com/manavkr/tradepulse/internal/config"
	"github.com/manavkr/tradepulse/internal/database"
)

const version = "2.0.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Bool("paper", cfg.PaperTrading).
		Str("square_off", cfg.SquareOffTime).
		Msg("⚡ TradePulse starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	clock, err := core.NewClock(cfg.Timezone, cfg.SquareOffTime)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid session clock configuration")
	}

	// ====== CORE COMPONENTS ======

	bus := core.NewBus(0, 0, 0)
	offload := guard.NewOffload(20)
	orderCB := guard.NewBreaker("orders", 3, 30*time.Second)
	dataCB := guard.NewBreaker("data", 5, 60*time.Second)
	orderLimiter := guard.NewLimiter(5, 10)
	brokerLimiter := guard.NewLimiter(5, 10)

	// Broker: virtual fills in paper mode, Kotak Neo otherwise. Market data
	// stays on the Neo socket either way when credentials are configured.
	var (
		broker      execution.Broker
		dataSession *execution.Neo
	)
	if cfg.PaperTrading {
		broker = execution.NewPaper(cfg.Capital)
		if cfg.ConsumerKey != "" {
			dataSession = execution.NewNeo(neoConfig(cfg))
		} else {
			log.Warn().Msg("⚠️ No broker credentials, paper mode runs without a live feed")
		}
	} else {
		neo := execution.NewNeo(neoConfig(cfg))
		broker = neo
		dataSession = neo
	}

	var (
		transport feeds.Transport
		session   feeds.Session
	)
	if dataSession != nil {
		transport = feeds.NewNeoSocket(cfg.FeedURL, "", dataSession)
		session = dataSession
	} else {
		transport = feeds.NewNeoSocket(cfg.FeedURL, "", nil)
	}
	feed := feeds.NewFeed(feeds.FeedConfig{
		Transport:        transport,
		Sink:             bus,
		Session:          session,
		Offload:          offload,
		SilenceThreshold: cfg.FeedSilenceTimeout,
	})

	engine := core.NewEngine(core.Deps{
		Config:        cfg,
		Clock:         clock,
		Bus:           bus,
		DB:            db,
		Broker:        broker,
		Feed:          feed,
		Offload:       offload,
		Instruments:   instruments.NewCache(),
		OrderCB:       orderCB,
		Limiter:       orderLimiter,
		DataCB:        dataCB,
		BrokerLimiter: brokerLimiter,
	})

	if err := engine.Boot(ctx); err != nil {
		// Keep the API up so the operator can read /health; a fresh process
		// retries the login.
		log.Error().Err(err).Msg("❌ Boot failed, engine held idle")
	}

	// Paper mode still wants live prices: bring the data session up on the
	// side when credentials exist.
	if cfg.PaperTrading && dataSession != nil {
		go func() {
			if err := dataSession.Login(ctx); err != nil {
				log.Warn().Err(err).Msg("⚠️ Market data login failed, feed stays down")
			}
		}()
	}

	// ====== TELEGRAM BOT ======

	var tg *bot.TelegramBot
	if cfg.TelegramToken != "" {
		tg, err = bot.NewTelegramBot(cfg.TelegramToken, cfg.TelegramChatID, engine)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ Telegram disabled")
			tg = nil
		} else {
			tg.Start()
			engine.SetNotifier(tg)
			tg.NotifyStartup(engine.Mode(), cfg.Capital, cfg.SquareOffTime)
		}
	}

	// ====== CONTROL API ======

	server := api.NewServer(cfg.APIAddr, engine, cfg.WebhookPassphrase)
	server.Start()

	log.Info().Msg("")
	log.Info().Msg("╔══════════════════════════════════════════╗")
	log.Info().Msg("║        TRADEPULSE EXECUTION CORE         ║")
	log.Info().Msgf("║  Mode: %-34s║", engine.Mode())
	log.Info().Msgf("║  Square-off: %-28s║", cfg.SquareOffTime+" "+cfg.Timezone)
	log.Info().Msg("║  POST /api/v1/engine/start to trade      ║")
	log.Info().Msg("╚══════════════════════════════════════════╝")
	log.Info().Msg("")
	log.Info().Msg("✅ System ready, waiting for start signal")

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("🛑 Received shutdown signal")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("API shutdown failed")
	}
	if tg != nil {
		tg.Stop()
	}
	engine.Shutdown()

	log.Info().Msg("👋 Goodbye!")
}

func neoConfig(cfg *config.Config) execution.NeoConfig {
	return execution.NeoConfig{
		BaseURL:        cfg.BrokerBaseURL,
		ConsumerKey:    cfg.ConsumerKey,
		ConsumerSecret: cfg.ConsumerSecret,
		UCC:            cfg.UCC,
		Mobile:         cfg.Mobile,
		MPIN:           cfg.MPIN,
		TOTPSecret:     cfg.TOTPSecret,
	}
}
