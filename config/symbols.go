package config

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/cascadefi/liqhunter/errs"
)

// SymbolConfig holds the per-symbol trading parameters. Read-only input to
// the core; reloaded between reconciliation cycles.
type SymbolConfig struct {
	Symbol string `yaml:"symbol"`

	// VolumeThresholdUSD is the minimum liquidation notional worth trading.
	VolumeThresholdUSD decimal.Decimal `yaml:"volumeThresholdUSD"`
	// OrderNotionalUSD is the entry size in quote units.
	OrderNotionalUSD decimal.Decimal `yaml:"orderNotionalUSD"`
	Leverage         int             `yaml:"leverage"`

	SLPercent decimal.Decimal `yaml:"slPercent"`
	TPPercent decimal.Decimal `yaml:"tpPercent"`
	// UnderwaterOffsetPercent moves an already-crossed stop trigger beyond the
	// mark price to avoid an instant-fill loop.
	UnderwaterOffsetPercent decimal.Decimal `yaml:"underwaterOffsetPercent"`

	// PriceProximityPercent rejects liquidation events whose price strays
	// further than this from the current mark price.
	PriceProximityPercent decimal.Decimal `yaml:"priceProximityPercent"`

	VWAPProtection bool          `yaml:"vwapProtection"`
	VWAPWindow     time.Duration `yaml:"vwapWindow"`
	VWAPMinSamples int           `yaml:"vwapMinSamples"`

	// SlippageBudgetPercent bounds the limit-entry price concession before
	// falling back to a market order.
	SlippageBudgetPercent decimal.Decimal `yaml:"slippageBudgetPercent"`
}

func (c SymbolConfig) normalize() SymbolConfig {
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	if c.Leverage <= 0 {
		c.Leverage = 1
	}
	if c.UnderwaterOffsetPercent.IsZero() {
		c.UnderwaterOffsetPercent = decimal.RequireFromString("0.2")
	}
	if c.PriceProximityPercent.IsZero() {
		c.PriceProximityPercent = decimal.RequireFromString("2.0")
	}
	if c.VWAPWindow <= 0 {
		c.VWAPWindow = 5 * time.Minute
	}
	if c.VWAPMinSamples <= 0 {
		c.VWAPMinSamples = 10
	}
	if c.SlippageBudgetPercent.IsZero() {
		c.SlippageBudgetPercent = decimal.RequireFromString("0.05")
	}
	return c
}

func (c SymbolConfig) validate() error {
	if c.Symbol == "" {
		return errs.New("config/symbols", errs.CodeConfig, errs.WithMessage("symbol entry missing symbol name"))
	}
	if !c.VolumeThresholdUSD.IsPositive() {
		return errs.New("config/symbols", errs.CodeConfig,
			errs.WithMessage("volumeThresholdUSD must be positive"), errs.WithSymbol(c.Symbol))
	}
	if !c.OrderNotionalUSD.IsPositive() {
		return errs.New("config/symbols", errs.CodeConfig,
			errs.WithMessage("orderNotionalUSD must be positive"), errs.WithSymbol(c.Symbol))
	}
	if !c.SLPercent.IsPositive() || !c.TPPercent.IsPositive() {
		return errs.New("config/symbols", errs.CodeConfig,
			errs.WithMessage("slPercent and tpPercent must be positive"), errs.WithSymbol(c.Symbol))
	}
	return nil
}

type symbolsFile struct {
	Symbols []SymbolConfig `yaml:"symbols"`
}

// ParseSymbols decodes and validates a symbols YAML document.
func ParseSymbols(data []byte) (map[string]SymbolConfig, error) {
	var doc symbolsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errs.New("config/symbols", errs.CodeConfig,
			errs.WithMessage("unparseable symbols file"), errs.WithCause(err))
	}
	if len(doc.Symbols) == 0 {
		return nil, errs.New("config/symbols", errs.CodeConfig, errs.WithMessage("symbols file declares no symbols"))
	}
	out := make(map[string]SymbolConfig, len(doc.Symbols))
	for _, entry := range doc.Symbols {
		entry = entry.normalize()
		if err := entry.validate(); err != nil {
			return nil, err
		}
		if _, dup := out[entry.Symbol]; dup {
			return nil, errs.New("config/symbols", errs.CodeConfig,
				errs.WithMessage("duplicate symbol entry"), errs.WithSymbol(entry.Symbol))
		}
		out[entry.Symbol] = entry
	}
	return out, nil
}

// SymbolStore serves per-symbol configuration with hot reload. Reload swaps
// the whole map atomically; readers always see a consistent snapshot.
type SymbolStore struct {
	path string

	mu      sync.RWMutex
	symbols map[string]SymbolConfig
	modTime time.Time
}

// LoadSymbolStore reads the symbols file and constructs a store around it.
func LoadSymbolStore(path string) (*SymbolStore, error) {
	store := &SymbolStore{path: path}
	if err := store.reload(); err != nil {
		return nil, err
	}
	return store, nil
}

// NewStaticSymbolStore wraps a fixed symbol set, used by tests and paper runs.
func NewStaticSymbolStore(symbols map[string]SymbolConfig) *SymbolStore {
	normalized := make(map[string]SymbolConfig, len(symbols))
	for _, cfg := range symbols {
		cfg = cfg.normalize()
		normalized[cfg.Symbol] = cfg
	}
	return &SymbolStore{symbols: normalized}
}

// Get returns the configuration for a symbol.
func (s *SymbolStore) Get(symbol string) (SymbolConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.symbols[strings.ToUpper(strings.TrimSpace(symbol))]
	return cfg, ok
}

// Symbols returns the configured symbol names.
func (s *SymbolStore) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.symbols))
	for symbol := range s.symbols {
		out = append(out, symbol)
	}
	return out
}

// MaybeReload re-reads the file if it changed on disk. Called between
// reconciliation cycles; a broken file keeps the previous snapshot.
func (s *SymbolStore) MaybeReload() error {
	if s.path == "" {
		return nil
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return errs.New("config/symbols", errs.CodeConfig,
			errs.WithMessage("stat symbols file"), errs.WithCause(err))
	}
	s.mu.RLock()
	unchanged := !info.ModTime().After(s.modTime)
	s.mu.RUnlock()
	if unchanged {
		return nil
	}
	return s.reload()
}

func (s *SymbolStore) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return errs.New("config/symbols", errs.CodeConfig,
			errs.WithMessage("read symbols file"), errs.WithCause(err))
	}
	parsed, err := ParseSymbols(data)
	if err != nil {
		return err
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return errs.New("config/symbols", errs.CodeConfig,
			errs.WithMessage("stat symbols file"), errs.WithCause(err))
	}
	s.mu.Lock()
	s.symbols = parsed
	s.modTime = info.ModTime()
	s.mu.Unlock()
	return nil
}
