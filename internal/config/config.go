package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the engine
type Config struct {
	// Broker (Kotak Neo)
	ConsumerKey    string
	ConsumerSecret string
	UCC            string
	Mobile         string
	MPIN           string
	TOTPSecret     string
	BrokerBaseURL  string
	FeedURL        string

	// Mode
	PaperTrading bool
	Debug        bool

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Risk Settings
	Capital         decimal.Decimal // total capital the engine may deploy
	RiskPerTradePct decimal.Decimal // e.g., 0.01 = 1% of capital per trade
	MaxDailyLossPct decimal.Decimal // e.g., 0.02 = kill switch at 2% drawdown
	MaxOpenTrades   int
	ChargeFactor    decimal.Decimal // blended intraday charge rate on turnover

	// Session
	Timezone      string
	SquareOffTime string // "HH:MM", engine flattens everything after this

	// Market Data
	FeedSilenceTimeout time.Duration // no ticks for this long = zombie connection

	// Execution
	DefaultFreezeQty int64 // slice ceiling when the scrip master has none

	// Control API
	APIAddr           string
	WebhookPassphrase string

	// Database
	DatabaseURL string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		// Broker
		ConsumerKey:    os.Getenv("NEO_CONSUMER_KEY"),
		ConsumerSecret: os.Getenv("NEO_CONSUMER_SECRET"),
		UCC:            os.Getenv("NEO_UCC"),
		Mobile:         os.Getenv("NEO_MOBILE"),
		MPIN:           os.Getenv("NEO_MPIN"),
		TOTPSecret:     os.Getenv("NEO_TOTP_SECRET"),
		BrokerBaseURL:  getEnv("NEO_BASE_URL", "https://gw-napi.kotaksecurities.com"),
		FeedURL:        getEnv("NEO_FEED_URL", "wss://mlhsm.kotaksecurities.com"),

		// Mode
		PaperTrading: getEnvBool("PAPER_TRADING", true),
		Debug:        getEnvBool("DEBUG", false),

		// Telegram
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		// Risk
		Capital:         getEnvDecimal("CAPITAL", decimal.NewFromInt(100000)),
		RiskPerTradePct: getEnvDecimal("RISK_PER_TRADE_PCT", decimal.NewFromFloat(0.01)), // 1% per trade
		MaxDailyLossPct: getEnvDecimal("MAX_DAILY_LOSS_PCT", decimal.NewFromFloat(0.02)), // 🛑 2% kill switch
		MaxOpenTrades:   getEnvInt("MAX_OPEN_TRADES", 3),
		ChargeFactor:    getEnvDecimal("INTRADAY_CHARGE_FACTOR", decimal.Decimal{}),

		// Session
		Timezone:      getEnv("TZ", "Asia/Kolkata"),
		SquareOffTime: getEnv("SQUARE_OFF_TIME", "15:10"),

		// Market Data
		FeedSilenceTimeout: getEnvDuration("FEED_SILENCE_TIMEOUT", 10*time.Second),

		// Execution
		DefaultFreezeQty: int64(getEnvInt("DEFAULT_FREEZE_QTY", 1800)),

		// Control API
		APIAddr:           getEnv("API_ADDR", ":8080"),
		WebhookPassphrase: os.Getenv("WEBHOOK_PASSPHRASE"),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", "data/tradepulse.db"),
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	// Paper mode needs no credentials; live mode needs all of them
	if !cfg.PaperTrading {
		required := map[string]string{
			"NEO_CONSUMER_KEY":    cfg.ConsumerKey,
			"NEO_CONSUMER_SECRET": cfg.ConsumerSecret,
			"NEO_UCC":             cfg.UCC,
			"NEO_MOBILE":          cfg.Mobile,
			"NEO_MPIN":            cfg.MPIN,
			"NEO_TOTP_SECRET":     cfg.TOTPSecret,
		}
		for key, value := range required {
			if value == "" {
				return nil, fmt.Errorf("%s is required when PAPER_TRADING=false", key)
			}
		}
	}

	if cfg.Capital.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("CAPITAL must be positive, got %s", cfg.Capital)
	}
	if cfg.MaxOpenTrades < 1 {
		return nil, fmt.Errorf("MAX_OPEN_TRADES must be at least 1, got %d", cfg.MaxOpenTrades)
	}

	return cfg, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
