package instruments

import (
	"errors"
	"fmt"
	"sync"

	"github.com/manavkr/tradepulse/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// INSTRUMENT CACHE - Scrip master lookups
// ═══════════════════════════════════════════════════════════════════════════════

var (
	// ErrUnknownSymbol is returned when a trading symbol is not in the master.
	ErrUnknownSymbol = errors.New("unknown trading symbol")
	// ErrUnknownToken is returned when an instrument token is not in the master.
	ErrUnknownToken = errors.New("unknown instrument token")
)

// Cache holds the day's instrument master in memory, indexed both ways.
// Loaded once at boot; reads are lock-free after that in practice, but the
// RWMutex keeps a mid-day Reload safe.
type Cache struct {
	mu       sync.RWMutex
	bySymbol map[string]types.Instrument
	byToken  map[string]types.Instrument
}

// NewCache creates an empty instrument cache.
func NewCache() *Cache {
	return &Cache{
		bySymbol: make(map[string]types.Instrument),
		byToken:  make(map[string]types.Instrument),
	}
}

// Load replaces the cache contents with the given instruments.
func (c *Cache) Load(list []types.Instrument) {
	bySymbol := make(map[string]types.Instrument, len(list))
	byToken := make(map[string]types.Instrument, len(list))
	for _, inst := range list {
		bySymbol[inst.Symbol] = inst
		byToken[inst.Token] = inst
	}

	c.mu.Lock()
	c.bySymbol = bySymbol
	c.byToken = byToken
	c.mu.Unlock()
}

// BySymbol resolves a human symbol ("RELIANCE") to its instrument.
func (c *Cache) BySymbol(symbol string) (types.Instrument, error) {
	c.mu.RLock()
	inst, ok := c.bySymbol[symbol]
	c.mu.RUnlock()
	if !ok {
		return types.Instrument{}, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}
	return inst, nil
}

// ByToken resolves an exchange token ("11536") to its instrument.
func (c *Cache) ByToken(token string) (types.Instrument, error) {
	c.mu.RLock()
	inst, ok := c.byToken[token]
	c.mu.RUnlock()
	if !ok {
		return types.Instrument{}, fmt.Errorf("%s: %w", token, ErrUnknownToken)
	}
	return inst, nil
}

// Tokens returns every token in the cache, for feed subscription.
func (c *Cache) Tokens() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tokens := make([]string, 0, len(c.byToken))
	for token := range c.byToken {
		tokens = append(tokens, token)
	}
	return tokens
}

// Count returns the number of cached instruments.
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bySymbol)
}
