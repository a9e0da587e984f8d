// Seedmaster loads a Kotak Neo scrip master CSV into instrument_master.
//
// The broker publishes per-segment CSVs (nse_cm for the cash market) with
// integer prices scaled by 10^lPrecision; this tool normalizes them and
// upserts the rows the engine resolves symbols against.
//
// Usage:
//
//	seedmaster -file nse_cm.csv
//	seedmaster -url https://host/masterscrip/nse_cm-v1.csv -series EQ,BE
package main

import (
	"bytes"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/manavkr/tradepulse/internal/config"
	"github.com/manavkr/tradepulse/internal/database"
)

const upsertChunk = 100

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var (
		file   = flag.String("file", "", "path to a scrip master CSV")
		url    = flag.String("url", "", "scrip master CSV URL (alternative to -file)")
		series = flag.String("series", "", "comma-separated pGroup filter, e.g. EQ,BE (empty keeps all)")
	)
	flag.Parse()

	if *file == "" && *url == "" {
		log.Fatal().Msg("one of -file or -url is required")
	}

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	var reader io.Reader
	if *file != "" {
		f, err := os.Open(*file)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open CSV")
		}
		defer f.Close()
		reader = f
	} else {
		log.Info().Str("url", *url).Msg("⬇️ Downloading scrip master...")
		resp, err := resty.New().SetTimeout(30 * time.Second).R().Get(*url)
		if err != nil {
			log.Fatal().Err(err).Msg("Download failed")
		}
		if resp.IsError() {
			log.Fatal().Int("status", resp.StatusCode()).Msg("Download failed")
		}
		reader = bytes.NewReader(resp.Body())
	}

	keep := make(map[string]bool)
	for _, s := range strings.Split(*series, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			keep[s] = true
		}
	}

	rows, skipped, err := parseScripMaster(reader, keep)
	if err != nil {
		log.Fatal().Err(err).Msg("Parsing failed")
	}
	log.Info().Int("rows", len(rows)).Int("skipped", skipped).Msg("📊 Parsed scrip master")

	for i := 0; i < len(rows); i += upsertChunk {
		end := min(i+upsertChunk, len(rows))
		if err := db.UpsertInstruments(rows[i:end]); err != nil {
			log.Fatal().Err(err).Msg("Database write failed")
		}
	}

	total, err := db.InstrumentCount()
	if err != nil {
		log.Fatal().Err(err).Msg("Count failed")
	}
	log.Info().Int64("total", total).Msg("✅ Instrument master seeded")
}

// parseScripMaster reads the vendor CSV. Prices arrive as integers scaled
// by 10^lPrecision; only rows carrying a token and trading symbol survive,
// first occurrence wins on duplicate tokens.
func parseScripMaster(r io.Reader, keepSeries map[string]bool) ([]database.InstrumentRow, int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	field := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var rows []database.InstrumentRow
	skipped := 0
	seen := make(map[string]bool)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			skipped++
			continue
		}

		token := field(rec, "pSymbol")
		tsym := field(rec, "pTrdSymbol")
		if token == "" || tsym == "" || seen[token] {
			skipped++
			continue
		}
		if len(keepSeries) > 0 && !keepSeries[strings.ToUpper(field(rec, "pGroup"))] {
			skipped++
			continue
		}

		precision := parseInt(field(rec, "lPrecision"), 2)
		divider := decimal.New(1, int32(precision))
		tick := decimal.Zero
		if raw, err := decimal.NewFromString(field(rec, "dTickSize")); err == nil {
			tick = raw.Div(divider)
		}

		lot := parseInt64(field(rec, "lLotSize"), 1)
		if lot <= 0 {
			lot = 1
		}

		symbol := field(rec, "pSymbolName")
		if symbol == "" {
			symbol = tsym
		}

		seen[token] = true
		rows = append(rows, database.InstrumentRow{
			Token:         token,
			TradingSymbol: tsym,
			Symbol:        strings.ToUpper(symbol),
			LotSize:       lot,
			TickSize:      tick,
			FreezeQty:     parseInt64(field(rec, "lFreezeQty"), 0),
			Segment:       orDefault(field(rec, "pExchSeg"), "nse_cm"),
			Exchange:      orDefault(field(rec, "pExchange"), "NSE"),
		})
	}
	return rows, skipped, nil
}

func parseInt(s string, fallback int) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

func parseInt64(s string, fallback int64) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
