// Package orderid generates and parses broker client order ids.
//
// Format: {strategy_id}-{SYMBOL}-{YYYYMMDDThhmmss}-{uuid8}[-v{ver}]
// ASCII, at most 48 characters. Slashes in symbols become underscores so ids
// survive brokers that reject path characters. A leading "alch" component is
// a legacy marker parsed back as strategy "unknown".
package orderid

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxLength is the broker-imposed ceiling on client order ids
const MaxLength = 48

const timestampLayout = "20060102T150405"

// LegacyMarker is the historical strategy component
const LegacyMarker = "alch"

var timestampRe = regexp.MustCompile(`^\d{8}T\d{6}$`)

// Parsed is the decomposed form of a client order id
type Parsed struct {
	StrategyID string
	Symbol     string
	Timestamp  time.Time
	UUID8      string
	Version    int // 0 when absent
}

// NormalizeSymbol replaces slashes so the symbol is id-safe
func NormalizeSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "_")
}

// Generate builds a client order id for the given strategy and symbol.
// version <= 0 omits the -vN suffix. The strategy component is truncated if
// needed to keep the id within MaxLength.
func Generate(strategyID, symbol string, version int) string {
	return GenerateAt(strategyID, symbol, version, time.Now().UTC())
}

// GenerateAt is Generate with an explicit timestamp, for determinism in tests
func GenerateAt(strategyID, symbol string, version int, at time.Time) string {
	sym := NormalizeSymbol(symbol)
	ts := at.Format(timestampLayout)
	uuid8 := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]

	suffix := ""
	if version > 0 {
		suffix = fmt.Sprintf("-v%d", version)
	}

	// Everything except the strategy component is fixed-size
	fixed := 1 + len(sym) + 1 + len(ts) + 1 + len(uuid8) + len(suffix)
	strat := strategyID
	if len(strat)+fixed > MaxLength {
		keep := MaxLength - fixed
		if keep < 1 {
			keep = 1
		}
		strat = strat[:keep]
	}

	return fmt.Sprintf("%s-%s-%s-%s%s", strat, sym, ts, uuid8, suffix)
}

// Parse decomposes a client order id. Symbols containing hyphens are
// supported; strategy ids must not contain hyphens.
func Parse(id string) (*Parsed, error) {
	if len(id) > MaxLength {
		return nil, fmt.Errorf("client order id too long: %d chars", len(id))
	}

	parts := strings.Split(id, "-")
	if len(parts) < 4 {
		return nil, fmt.Errorf("malformed client order id: %q", id)
	}

	version := 0
	end := len(parts)

	// Optional -vN suffix
	last := parts[end-1]
	if len(last) > 1 && last[0] == 'v' {
		if v, err := strconv.Atoi(last[1:]); err == nil {
			version = v
			end--
		}
	}

	if end < 4 {
		return nil, fmt.Errorf("malformed client order id: %q", id)
	}

	uuid8 := parts[end-1]
	tsPart := parts[end-2]
	if len(uuid8) != 8 {
		return nil, fmt.Errorf("malformed uuid component: %q", uuid8)
	}
	if !timestampRe.MatchString(tsPart) {
		return nil, fmt.Errorf("malformed timestamp component: %q", tsPart)
	}

	ts, err := time.Parse(timestampLayout, tsPart)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp %q: %w", tsPart, err)
	}

	strategy := parts[0]
	if strategy == LegacyMarker {
		strategy = "unknown"
	}

	symbol := strings.Join(parts[1:end-2], "-")
	if symbol == "" {
		return nil, fmt.Errorf("missing symbol component in %q", id)
	}

	return &Parsed{
		StrategyID: strategy,
		Symbol:     symbol,
		Timestamp:  ts,
		UUID8:      uuid8,
		Version:    version,
	}, nil
}

// StepID derives a child id for walk-the-book steps: {parent}-step-{k}.
// The result may exceed MaxLength by the suffix; callers use it only where
// the broker accepts longer ids, otherwise the parent is regenerated shorter.
func StepID(parent string, step int) string {
	return fmt.Sprintf("%s-step-%d", parent, step)
}
