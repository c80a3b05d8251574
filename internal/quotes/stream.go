package quotes

import (
	"encoding/json"
	"sync"
	"time"

	"rebalancer/internal/core"
	ws "rebalancer/pkg/websocket"

	"github.com/shopspring/decimal"
)

// streamMessage is one element of a market-data frame. The feed batches
// messages into JSON arrays; only "q" (quote) entries matter here.
type streamMessage struct {
	Type      string          `json:"T"`
	Symbol    string          `json:"S"`
	BidPrice  decimal.Decimal `json:"bp"`
	AskPrice  decimal.Decimal `json:"ap"`
	BidSize   decimal.Decimal `json:"bs"`
	AskSize   decimal.Decimal `json:"as"`
	Timestamp time.Time       `json:"t"`
	Msg       string          `json:"msg,omitempty"`
}

// Ingester maintains a streaming-quote subscription and feeds the cache.
// Reconnection and heartbeats are the websocket client's problem; on every
// (re)connect the ingester re-authenticates and re-subscribes to the current
// symbol set.
type Ingester struct {
	client *ws.Client
	cache  *Cache
	logger core.ILogger

	mu      sync.Mutex
	symbols map[string]struct{}

	key    string
	secret string
}

// NewIngester creates a quote ingester for the given stream URL
func NewIngester(url, apiKey, apiSecret string, cache *Cache, logger core.ILogger) *Ingester {
	ing := &Ingester{
		cache:   cache,
		logger:  logger.WithField("component", "quote-stream"),
		symbols: make(map[string]struct{}),
		key:     apiKey,
		secret:  apiSecret,
	}
	ing.client = ws.NewClient(url, ing.handleFrame, ing.logger)
	ing.client.SetOnConnected(ing.onConnected)
	return ing
}

// Start begins streaming. Safe to call before any Subscribe.
func (i *Ingester) Start() { i.client.Start() }

// Stop tears the stream down
func (i *Ingester) Stop() { i.client.Stop() }

// Subscribe adds symbols to the quote subscription
func (i *Ingester) Subscribe(symbols ...string) {
	i.mu.Lock()
	for _, s := range symbols {
		i.symbols[s] = struct{}{}
	}
	list := i.symbolList()
	i.mu.Unlock()

	if err := i.client.Send(map[string]interface{}{
		"action": "subscribe",
		"quotes": list,
	}); err != nil {
		// Not connected yet; onConnected replays the full set
		i.logger.Debug("Subscribe deferred until connect", "error", err)
	}
}

func (i *Ingester) symbolList() []string {
	list := make([]string, 0, len(i.symbols))
	for s := range i.symbols {
		list = append(list, s)
	}
	return list
}

func (i *Ingester) onConnected() {
	if err := i.client.Send(map[string]string{
		"action": "auth",
		"key":    i.key,
		"secret": i.secret,
	}); err != nil {
		i.logger.Error("Stream auth send failed", "error", err)
		return
	}

	i.mu.Lock()
	list := i.symbolList()
	i.mu.Unlock()
	if len(list) == 0 {
		return
	}
	if err := i.client.Send(map[string]interface{}{
		"action": "subscribe",
		"quotes": list,
	}); err != nil {
		i.logger.Error("Stream subscribe send failed", "error", err)
	}
}

func (i *Ingester) handleFrame(raw []byte) {
	var msgs []streamMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		i.logger.Warn("Unparseable stream frame", "error", err)
		return
	}
	for _, m := range msgs {
		switch m.Type {
		case "q":
			i.cache.Put(core.Quote{
				Symbol:    m.Symbol,
				BidPrice:  m.BidPrice,
				AskPrice:  m.AskPrice,
				BidSize:   m.BidSize,
				AskSize:   m.AskSize,
				Timestamp: m.Timestamp,
				Source:    core.QuoteSourceStreaming,
			})
		case "error":
			i.logger.Error("Stream error message", "msg", m.Msg)
		case "success", "subscription":
			i.logger.Debug("Stream control message", "type", m.Type, "msg", m.Msg)
		}
	}
}
