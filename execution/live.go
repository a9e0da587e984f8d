package execution

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/manavkr/tradepulse/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// KOTAK NEO ADAPTER - Live broker REST client
// ═══════════════════════════════════════════════════════════════════════════════
//
// 2FA login: TOTP from the shared seed gets a view token, MPIN validation
// upgrades it to a session token. Every call here blocks on the network;
// the pipeline runs them under the offload pool and circuit breakers.
//
// ═══════════════════════════════════════════════════════════════════════════════

// NeoConfig carries the live session credentials.
type NeoConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	UCC            string
	Mobile         string
	MPIN           string
	TOTPSecret     string
}

// Neo is the Kotak Neo v2 REST adapter.
type Neo struct {
	http *resty.Client
	cfg  NeoConfig

	mu           sync.Mutex
	sessionToken string
	sid          string
	loggedIn     bool
}

// NewNeo creates the adapter. No network traffic until Login.
func NewNeo(cfg NeoConfig) *Neo {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("neo-fin-key", "neotradeapi")

	return &Neo{http: httpClient, cfg: cfg}
}

type neoLoginResponse struct {
	Data struct {
		Token string `json:"token"`
		Sid   string `json:"sid"`
	} `json:"data"`
	Stat   string `json:"stat"`
	ErrMsg string `json:"errMsg"`
}

// Login runs the 2FA flow: TOTP login for a view token, then MPIN
// validation for the session token. Idempotent while the session lives.
func (n *Neo) Login(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.loggedIn {
		return nil
	}

	code, err := totp.GenerateCode(n.cfg.TOTPSecret, time.Now())
	if err != nil {
		return fmt.Errorf("generate totp: %w", err)
	}

	var view neoLoginResponse
	resp, err := n.http.R().
		SetContext(ctx).
		SetHeader("Authorization", n.cfg.ConsumerKey).
		SetBody(map[string]string{
			"mobileNumber": n.cfg.Mobile,
			"ucc":          n.cfg.UCC,
			"totp":         code,
		}).
		SetResult(&view).
		Post("/login/1.0/login/v6/totp/login")
	if err != nil {
		return fmt.Errorf("totp login: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || view.Data.Token == "" {
		return fmt.Errorf("totp login: status %d: %s", resp.StatusCode(), firstNonEmpty(view.ErrMsg, resp.String()))
	}

	var session neoLoginResponse
	resp, err = n.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+view.Data.Token).
		SetHeader("sid", view.Data.Sid).
		SetBody(map[string]string{"mpin": n.cfg.MPIN}).
		SetResult(&session).
		Post("/login/1.0/login/v6/totp/validate")
	if err != nil {
		return fmt.Errorf("mpin validate: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || session.Data.Token == "" {
		return fmt.Errorf("mpin validate: status %d: %s", resp.StatusCode(), firstNonEmpty(session.ErrMsg, resp.String()))
	}

	n.sessionToken = session.Data.Token
	n.sid = session.Data.Sid
	n.loggedIn = true
	log.Info().Str("ucc", n.cfg.UCC).Msg("✅ Kotak Neo session active")
	return nil
}

// LoggedIn reports whether a live session token is held.
func (n *Neo) LoggedIn() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.loggedIn
}

// Session returns the auth pair the quote socket presents on connect.
func (n *Neo) Session() (token, sid string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.loggedIn {
		return "", "", fmt.Errorf("neo: not logged in")
	}
	return n.sessionToken, n.sid, nil
}

func (n *Neo) authHeaders() (map[string]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.loggedIn {
		return nil, fmt.Errorf("neo: not logged in")
	}
	return map[string]string{
		"Authorization": "Bearer " + n.sessionToken,
		"Sid":           n.sid,
	}, nil
}

// PlaceOrder submits one leg. Numbers are stringified per the vendor API.
func (n *Neo) PlaceOrder(ctx context.Context, req OrderRequest) (*BrokerResponse, error) {
	headers, err := n.authHeaders()
	if err != nil {
		return nil, err
	}

	price := "0"
	if req.Price.IsPositive() {
		price = req.Price.String()
	}
	payload := map[string]string{
		"exchange_segment": req.ExchangeSegment,
		"product":          req.Product,
		"price":            price,
		"order_type":       req.OrderType,
		"quantity":         strconv.FormatInt(req.Quantity, 10),
		"validity":         req.Validity,
		"trading_symbol":   req.TradingSymbol,
		"transaction_type": req.TransactionType,
		"amo":              "NO",
	}

	var result BrokerResponse
	resp, err := n.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(payload).
		SetResult(&result).
		Post("/Orders/2.0/quick/order/rule/ms/place")
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && result.ErrMsg == "" {
		return nil, fmt.Errorf("place order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// ModifyOrder reprices or resizes a pending order by exchange order number.
func (n *Neo) ModifyOrder(ctx context.Context, orderID string, req OrderRequest) (*BrokerResponse, error) {
	headers, err := n.authHeaders()
	if err != nil {
		return nil, err
	}

	price := "0"
	if req.Price.IsPositive() {
		price = req.Price.String()
	}
	payload := map[string]string{
		"order_no":         orderID,
		"exchange_segment": req.ExchangeSegment,
		"product":          req.Product,
		"price":            price,
		"order_type":       req.OrderType,
		"quantity":         strconv.FormatInt(req.Quantity, 10),
		"validity":         req.Validity,
		"trading_symbol":   req.TradingSymbol,
		"transaction_type": req.TransactionType,
		"amo":              "NO",
	}

	var result BrokerResponse
	resp, err := n.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(payload).
		SetResult(&result).
		Post("/Orders/2.0/quick/vr/modify")
	if err != nil {
		return nil, fmt.Errorf("modify order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && result.ErrMsg == "" {
		return nil, fmt.Errorf("modify order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// CancelOrder cancels by exchange order number.
func (n *Neo) CancelOrder(ctx context.Context, orderID string) (*BrokerResponse, error) {
	headers, err := n.authHeaders()
	if err != nil {
		return nil, err
	}

	var result BrokerResponse
	resp, err := n.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(map[string]string{"order_no": orderID, "amo": "NO"}).
		SetResult(&result).
		Post("/Orders/2.0/quick/order/cancel")
	if err != nil {
		return nil, fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && result.ErrMsg == "" {
		return nil, fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// neoPosition is one row of the vendor position book; numeric fields
// arrive as strings.
type neoPosition struct {
	Token       string `json:"instrumentToken"`
	TradingSym  string `json:"trdSym"`
	NetQty      string `json:"netQty"`
	AvgPrice    string `json:"avgPrice"`
	RealizedPNL string `json:"realizedPNL"`
	BuyAmt      string `json:"buyAmt"`
	SellAmt     string `json:"sellAmt"`
}

type neoPositionsResponse struct {
	Stat   string        `json:"stat"`
	Data   []neoPosition `json:"data"`
	ErrMsg string        `json:"errMsg"`
}

// Positions fetches the day's position book.
func (n *Neo) Positions(ctx context.Context) ([]types.BrokerPosition, error) {
	headers, err := n.authHeaders()
	if err != nil {
		return nil, err
	}

	var result neoPositionsResponse
	resp, err := n.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/Orders/2.0/quick/user/positions")
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("positions: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Stat != "Ok" && result.ErrMsg != "" {
		return nil, fmt.Errorf("positions: %s", result.ErrMsg)
	}

	rows := make([]types.BrokerPosition, 0, len(result.Data))
	for _, p := range result.Data {
		netQty, _ := strconv.ParseInt(strings.TrimSpace(p.NetQty), 10, 64)
		rows = append(rows, types.BrokerPosition{
			Token:       p.Token,
			Symbol:      p.TradingSym,
			NetQty:      netQty,
			AvgPrice:    parseDecimal(p.AvgPrice),
			RealizedPnl: parseDecimal(p.RealizedPNL),
			BuyAmount:   parseDecimal(p.BuyAmt),
			SellAmount:  parseDecimal(p.SellAmt),
		})
	}
	return rows, nil
}

type neoLimitsResponse struct {
	Stat   string `json:"stat"`
	Net    string `json:"Net"`
	Cash   string `json:"Cash"`
	ErrMsg string `json:"errMsg"`
}

// Limits returns the available margin (Net, falling back to Cash).
func (n *Neo) Limits(ctx context.Context) (decimal.Decimal, error) {
	headers, err := n.authHeaders()
	if err != nil {
		return decimal.Zero, err
	}

	var result neoLimitsResponse
	resp, err := n.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(map[string]string{"seg": "CASH", "exch": "NSE", "prod": "ALL"}).
		SetResult(&result).
		Post("/Orders/2.0/quick/user/limits")
	if err != nil {
		return decimal.Zero, fmt.Errorf("limits: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Zero, fmt.Errorf("limits: status %d: %s", resp.StatusCode(), resp.String())
	}

	net := parseDecimal(result.Net)
	if net.IsZero() {
		net = parseDecimal(result.Cash)
	}
	return net, nil
}

func parseDecimal(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
