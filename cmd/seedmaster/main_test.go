package main

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

const sampleCSV = `pSymbol,pTrdSymbol,pSymbolName,pGroup,pExchSeg,pExchange,lLotSize,dTickSize,lFreezeQty,lPrecision
11536,TCS-EQ,TCS,EQ,nse_cm,NSE,1,5,0,2
1594,INFY-EQ,INFY,EQ,nse_cm,NSE,1,5,0,2
1594,INFY-BL,INFY,BL,nse_cm,NSE,1,5,0,2
,GHOST-EQ,GHOST,EQ,nse_cm,NSE,1,5,0,2
999,RELP-BE,RelP,BE,nse_cm,NSE,1,5,0,2
`

func TestParseScripMasterNormalizesTicks(t *testing.T) {
	t.Parallel()

	rows, skipped, err := parseScripMaster(strings.NewReader(sampleCSV), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if skipped != 2 {
		t.Fatalf("skipped = %d, want 2 (blank token + duplicate)", skipped)
	}

	tcs := rows[0]
	if tcs.Token != "11536" || tcs.TradingSymbol != "TCS-EQ" || tcs.Symbol != "TCS" {
		t.Fatalf("unexpected first row: %+v", tcs)
	}
	if want := decimal.RequireFromString("0.05"); !tcs.TickSize.Equal(want) {
		t.Fatalf("tick size = %s, want %s", tcs.TickSize, want)
	}
	if rows[2].Symbol != "RELP" {
		t.Fatalf("symbol not uppercased: %q", rows[2].Symbol)
	}

	// Duplicate token: first occurrence wins.
	if rows[1].TradingSymbol != "INFY-EQ" {
		t.Fatalf("duplicate token kept wrong row: %q", rows[1].TradingSymbol)
	}
}

func TestParseScripMasterSeriesFilter(t *testing.T) {
	t.Parallel()

	rows, _, err := parseScripMaster(strings.NewReader(sampleCSV), map[string]bool{"EQ": true})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	for _, r := range rows {
		if r.Symbol == "RELP" {
			t.Fatal("BE series row survived an EQ-only filter")
		}
	}
}

func TestParseScripMasterDefaults(t *testing.T) {
	t.Parallel()

	csv := `pSymbol,pTrdSymbol,pSymbolName,lLotSize,dTickSize,lFreezeQty,lPrecision,pExchSeg,pExchange
500,ABC-EQ,,,5,,,,
`
	rows, _, err := parseScripMaster(strings.NewReader(csv), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	r := rows[0]
	if r.Symbol != "ABC-EQ" {
		t.Fatalf("symbol fallback = %q, want trading symbol", r.Symbol)
	}
	if r.LotSize != 1 {
		t.Fatalf("lot size default = %d, want 1", r.LotSize)
	}
	if r.FreezeQty != 0 {
		t.Fatalf("freeze qty default = %d, want 0", r.FreezeQty)
	}
	// lPrecision defaults to 2 when the column is blank.
	if want := decimal.RequireFromString("0.05"); !r.TickSize.Equal(want) {
		t.Fatalf("tick size = %s, want %s", r.TickSize, want)
	}
	if r.Exchange != "NSE" || r.Segment != "nse_cm" {
		t.Fatalf("exchange/segment defaults wrong: %q / %q", r.Exchange, r.Segment)
	}
}
