package feeds

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/manavkr/tradepulse/guard"
	"github.com/manavkr/tradepulse/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET FEED - Self-healing socket with zombie detection
// ═══════════════════════════════════════════════════════════════════════════════
//
// The feed owns the broker socket and is the single bridge between the
// socket goroutine and the engine: everything it reads is classified and
// pushed onto the bus, nothing else crosses that boundary.
//
// Healing loop: wait for login → connect → re-send the full subscription
// set → watch for silence. More than silenceThreshold without a packet is a
// zombie connection and tears the session down; every teardown backs off
// with a doubling delay capped at 60s, reset on the next healthy subscribe.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrZombie marks a connection that is open but silent past the threshold.
var ErrZombie = errors.New("zombie connection")

const (
	DefaultSilenceThreshold = 10 * time.Second

	defaultInitialDelay    = 2 * time.Second
	defaultMaxDelay        = 60 * time.Second
	defaultWatchdogPeriod  = 1 * time.Second
	defaultExchangeSegment = "nse_cm"
)

// Transport is the raw socket under the feed manager. Close must unblock a
// pending ReadMessage and is safe to call more than once.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(tokens []string) error
	ReadMessage() ([]byte, error)
	Close() error
}

// Session gates the healing loop on broker login. Paper sessions pass nil
// and skip the gate.
type Session interface {
	LoggedIn() bool
}

// Sink receives classified feed traffic; *core.Bus satisfies it.
type Sink interface {
	PublishTick(tick types.Tick)
	PublishOrder(ctx context.Context, update types.OrderUpdate) error
}

// FeedConfig wires the manager to its socket and consumers.
type FeedConfig struct {
	Transport Transport
	Sink      Sink
	Session   Session        // nil skips the login gate
	Offload   *guard.Offload // nil calls the transport inline

	SilenceThreshold time.Duration // default 10s
	InitialDelay     time.Duration // default 2s
	MaxDelay         time.Duration // default 60s
	WatchdogPeriod   time.Duration // default 1s
}

// Feed is the self-healing market data manager.
type Feed struct {
	transport Transport
	sink      Sink
	auth      Session
	offload   *guard.Offload

	silence        time.Duration
	initialDelay   time.Duration
	maxDelay       time.Duration
	watchdogPeriod time.Duration

	mu         sync.Mutex
	tokens     map[string]struct{}
	lastPacket time.Time
	delay      time.Duration
	connected  bool
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewFeed creates the manager. Zero durations select the defaults.
func NewFeed(cfg FeedConfig) *Feed {
	silence := cfg.SilenceThreshold
	if silence <= 0 {
		silence = DefaultSilenceThreshold
	}
	initial := cfg.InitialDelay
	if initial <= 0 {
		initial = defaultInitialDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	watchdog := cfg.WatchdogPeriod
	if watchdog <= 0 {
		watchdog = defaultWatchdogPeriod
	}
	return &Feed{
		transport:      cfg.Transport,
		sink:           cfg.Sink,
		auth:           cfg.Session,
		offload:        cfg.Offload,
		silence:        silence,
		initialDelay:   initial,
		maxDelay:       maxDelay,
		watchdogPeriod: watchdog,
		tokens:         make(map[string]struct{}),
		delay:          initial,
	}
}

// Start launches the healing loop. Idempotent while running.
func (f *Feed) Start(ctx context.Context) {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	f.running = true
	f.cancel = cancel
	f.done = make(chan struct{})
	done := f.done
	f.mu.Unlock()

	go f.connectionLoop(runCtx, done)
	log.Info().Msg("📡 Feed manager started")
}

// Stop tears the socket down and waits for the loop to exit.
func (f *Feed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	cancel := f.cancel
	done := f.done
	f.mu.Unlock()

	cancel()
	f.transport.Close()
	<-done
	log.Info().Msg("Feed manager stopped")
}

// Subscribe unions tokens into the subscription set and pushes them to the
// broker. Safe while disconnected: the full set is re-sent on the next
// connect.
func (f *Feed) Subscribe(ctx context.Context, tokens []string) {
	added := make([]string, 0, len(tokens))
	f.mu.Lock()
	for _, t := range tokens {
		if t == "" {
			continue
		}
		if _, ok := f.tokens[t]; !ok {
			f.tokens[t] = struct{}{}
			added = append(added, t)
		}
	}
	total := len(f.tokens)
	connected := f.connected
	f.mu.Unlock()

	log.Info().Int("added", len(added)).Int("total", total).Msg("📡 Subscription set updated")
	if !connected || len(added) == 0 {
		return
	}
	if err := f.sendSubscription(ctx, added); err != nil {
		// Not fatal: the watchdog will recycle the session and the full
		// set goes out again on reconnect.
		log.Error().Err(err).Msg("❌ Subscribe failed")
	}
}

// Connected reports whether the socket is currently up.
func (f *Feed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// LastPacketAge returns the time since the last packet, for health checks.
func (f *Feed) LastPacketAge() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastPacket.IsZero() {
		return 0
	}
	return time.Since(f.lastPacket)
}

func (f *Feed) connectionLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		err := f.runSession(ctx)
		if ctx.Err() != nil {
			return
		}

		delay := f.bumpDelay()
		log.Warn().Err(err).Dur("retry_in", delay).Msg("⚠️ Feed session ended")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runSession runs one connect → subscribe → watchdog cycle and returns the
// error that ended it.
func (f *Feed) runSession(ctx context.Context) error {
	// The login retry interval shares the initial backoff value (2s).
	for f.auth != nil && !f.auth.LoggedIn() {
		log.Debug().Msg("Waiting for broker login...")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.initialDelay):
		}
	}

	if err := f.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	f.setConnected(true)
	defer func() {
		f.setConnected(false)
		f.transport.Close()
	}()
	log.Info().Msg("⚡ Feed socket connected")

	f.touch()
	if tokens := f.tokenList(); len(tokens) > 0 {
		if err := f.sendSubscription(ctx, tokens); err != nil {
			return fmt.Errorf("resubscribe: %w", err)
		}
	}
	f.resetDelay()

	readErr := make(chan error, 1)
	go f.readLoop(readErr)

	ticker := time.NewTicker(f.watchdogPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-ticker.C:
			if !f.hasTokens() {
				// An idle socket with nothing subscribed is not a zombie.
				f.touch()
				continue
			}
			if silence := time.Since(f.lastSeen()); silence > f.silence {
				return fmt.Errorf("%w: no packets for %.1fs", ErrZombie, silence.Seconds())
			}
		}
	}
}

func (f *Feed) readLoop(errCh chan<- error) {
	for {
		frame, err := f.transport.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		f.touch()
		f.route(frame)
	}
}

// route classifies one frame: a JSON array is a tick batch, an object with a
// data array flattens to ticks, an object carrying an order id or status is
// an order update. Everything else is dropped.
func (f *Feed) route(frame []byte) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return
	}

	if frame[0] == '[' {
		var ticks []wireTick
		if err := json.Unmarshal(frame, &ticks); err != nil {
			log.Debug().Err(err).Msg("Unparseable tick batch")
			return
		}
		f.publishTicks(ticks)
		return
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(frame, &envelope); err != nil {
		log.Debug().Err(err).Msg("Unparseable feed frame")
		return
	}

	if raw, ok := envelope["data"]; ok {
		var ticks []wireTick
		if err := json.Unmarshal(raw, &ticks); err == nil {
			f.publishTicks(ticks)
			return
		}
	}

	_, hasID := envelope["orderId"]
	_, hasStatus := envelope["orderStatus"]
	if hasID || hasStatus {
		f.publishOrder(frame)
	}
}

func (f *Feed) publishTicks(ticks []wireTick) {
	now := time.Now()
	for _, w := range ticks {
		if tick, ok := w.toTick(now); ok {
			f.sink.PublishTick(tick)
		}
	}
}

func (f *Feed) publishOrder(frame []byte) {
	var w wireOrder
	if err := json.Unmarshal(frame, &w); err != nil {
		log.Warn().Err(err).Msg("Unparseable order update")
		return
	}
	update := w.toUpdate(frame)

	log.Info().
		Str("order_id", update.ExchangeID).
		Str("status", update.Status).
		Msg("📨 Order update")
	if err := f.sink.PublishOrder(context.Background(), update); err != nil {
		log.Error().Err(err).Str("order_id", update.ExchangeID).Msg("🚨 Order update dropped")
	}
}

func (f *Feed) sendSubscription(ctx context.Context, tokens []string) error {
	send := func() (any, error) {
		return nil, f.transport.Subscribe(tokens)
	}

	var err error
	if f.offload != nil {
		_, err = f.offload.Submit(ctx, send)
	} else {
		_, err = send()
	}
	if err == nil {
		log.Info().Int("tokens", len(tokens)).Msg("✅ Subscribed")
	}
	return err
}

func (f *Feed) tokenList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.tokens))
	for t := range f.tokens {
		out = append(out, t)
	}
	return out
}

func (f *Feed) hasTokens() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tokens) > 0
}

func (f *Feed) touch() {
	f.mu.Lock()
	f.lastPacket = time.Now()
	f.mu.Unlock()
}

func (f *Feed) lastSeen() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPacket
}

func (f *Feed) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

// bumpDelay returns the delay to sleep now and doubles it for next time.
func (f *Feed) bumpDelay() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.delay
	f.delay *= 2
	if f.delay > f.maxDelay {
		f.delay = f.maxDelay
	}
	return d
}

func (f *Feed) resetDelay() {
	f.mu.Lock()
	f.delay = f.initialDelay
	f.mu.Unlock()
}

// jstr tolerates the vendor feed's inconsistent quoting: the same field
// arrives as "123.45" in one packet type and 123.45 in another.
type jstr string

func (s *jstr) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = jstr(v)
		return nil
	}
	*s = jstr(b)
	return nil
}

// wireTick is one quote packet. The vendor splits the same fields across
// two naming schemes depending on subscription mode.
type wireTick struct {
	Token    jstr `json:"tk"`
	AltToken jstr `json:"instrumentToken"`
	Ltp      jstr `json:"ltp"`
	Volume   jstr `json:"v"`
	FeedTime jstr `json:"ft"`
}

func (w wireTick) toTick(now time.Time) (types.Tick, bool) {
	token := string(w.Token)
	if token == "" {
		token = string(w.AltToken)
	}
	if token == "" {
		return types.Tick{}, false
	}
	ltp, err := decimal.NewFromString(string(w.Ltp))
	if err != nil || !ltp.IsPositive() {
		return types.Tick{}, false
	}

	volume, _ := strconv.ParseInt(string(w.Volume), 10, 64)
	ts := now
	if epoch, err := strconv.ParseInt(string(w.FeedTime), 10, 64); err == nil && epoch > 0 {
		ts = time.Unix(epoch, 0)
	}
	return types.Tick{Token: token, Ltp: ltp, CumVolume: volume, Ltt: ts}, true
}

// wireOrder is one order-stream packet.
type wireOrder struct {
	OrderID   jstr `json:"orderId"`
	NeoOrdNo  jstr `json:"nOrdNo"`
	Status    jstr `json:"orderStatus"`
	AltStatus jstr `json:"ordSt"`
	Token     jstr `json:"instrumentToken"`
	TxnType   jstr `json:"transactionType"`
	AltTxn    jstr `json:"trnsTp"`
	FilledQty jstr `json:"filledQuantity"`
	AltFilled jstr `json:"fldQty"`
	AvgPrice  jstr `json:"averagePrice"`
	AltAvg    jstr `json:"avgPrc"`
	Reason    jstr `json:"rejectionReason"`
	AltReason jstr `json:"rejRsn"`
}

func (w wireOrder) toUpdate(frame []byte) types.OrderUpdate {
	var raw map[string]any
	_ = json.Unmarshal(frame, &raw)

	filled, _ := strconv.ParseInt(string(firstSet(w.FilledQty, w.AltFilled)), 10, 64)
	avg, _ := decimal.NewFromString(string(firstSet(w.AvgPrice, w.AltAvg)))

	return types.OrderUpdate{
		ExchangeID: string(firstSet(w.OrderID, w.NeoOrdNo)),
		Token:      string(w.Token),
		Status:     strings.ToUpper(string(firstSet(w.Status, w.AltStatus))),
		Side:       sideFromWire(string(firstSet(w.TxnType, w.AltTxn))),
		FilledQty:  filled,
		AvgPrice:   avg,
		Reason:     string(firstSet(w.Reason, w.AltReason)),
		Raw:        raw,
	}
}

func firstSet(values ...jstr) jstr {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func sideFromWire(s string) types.Side {
	if strings.HasPrefix(strings.ToUpper(s), "S") {
		return types.SideSell
	}
	return types.SideBuy
}
