// Package marketstatus is the optional broker market-open/close push feed
// (SPEC_FULL.md §4.6 expansion): the monitor loop consults it to skip a
// poll cycle outright while the relevant exchange is closed instead of
// spending a poll/backoff cycle on a broker that can't have moved the
// position. Grounded on the teacher's
// internal/clients/tradernet/websocket_client.go's MarketStatusWebSocket,
// adapted from a Tradernet-specific client into a broker-agnostic feed.
package marketstatus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/aristath/sentinel/internal/events"
)

const (
	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second

	baseReconnectDelay = 5 * time.Second
	maxReconnectDelay  = 5 * time.Minute

	cacheStaleThreshold = 5 * time.Minute
)

// Status is one exchange's cached open/closed state.
type Status struct {
	Code      string
	Open      bool
	UpdatedAt time.Time
}

// update is the wire shape of one push message: ["markets", {code: bool, ...}].
type update struct {
	Markets map[string]bool `json:"markets"`
}

// Feed maintains a live connection to a broker's market-status push channel
// and serves a cached open/closed lookup to the monitor loop. Absent a URL,
// cmd/server never constructs one and the monitor loop falls back to
// polling unconditionally.
type Feed struct {
	url        string
	sid        string
	httpClient *http.Client
	bus        *events.Bus
	log        zerolog.Logger

	mu         sync.RWMutex
	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc
	connected  bool
	stopped    bool
	stopChan   chan struct{}

	cacheMu    sync.RWMutex
	cache      map[string]Status
	lastUpdate time.Time
}

// New builds a Feed. Start must be called to actually connect.
func New(url, sid string, bus *events.Bus, log zerolog.Logger) *Feed {
	return &Feed{
		url:        url,
		sid:        sid,
		httpClient: http1Client(),
		bus:        bus,
		log:        log.With().Str("component", "marketstatus.Feed").Logger(),
		cache:      make(map[string]Status),
		stopChan:   make(chan struct{}),
	}
}

// http1Client forces HTTP/1.1 since the WebSocket upgrade handshake needs
// it and some front proxies otherwise negotiate HTTP/2 via ALPN.
func http1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig:   &tls.Config{NextProtos: []string{"http/1.1"}},
			ForceAttemptHTTP2: false,
		},
	}
}

// Start dials the feed and begins the read loop; a failed initial connect
// falls back to the same reconnect loop a mid-stream drop uses, so startup
// ordering relative to the broker never matters.
func (f *Feed) Start() error {
	f.log.Info().Msg("starting market status feed")
	if err := f.connect(); err != nil {
		f.log.Warn().Err(err).Msg("initial market status connect failed, retrying in background")
		go f.reconnectLoop()
		return err
	}
	f.mu.RLock()
	ctx := f.connCtx
	f.mu.RUnlock()
	go f.readLoop(ctx)
	return nil
}

// Stop closes the connection and halts reconnection attempts.
func (f *Feed) Stop() error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	f.mu.Unlock()
	close(f.stopChan)
	return f.disconnect()
}

func (f *Feed) connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	url := f.url
	if f.sid != "" {
		url += "?SID=" + f.sid
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{HTTPClient: f.httpClient})
	if err != nil {
		return fmt.Errorf("marketstatus: dial: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	f.conn = conn
	f.connCtx = connCtx
	f.cancelFunc = connCancel
	f.connected = true

	if err := f.subscribe(connCtx); err != nil {
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		f.conn, f.connCtx, f.cancelFunc, f.connected = nil, nil, nil, false
		return fmt.Errorf("marketstatus: subscribe: %w", err)
	}
	f.log.Info().Msg("connected to market status feed")
	return nil
}

func (f *Feed) disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return nil
	}
	if f.cancelFunc != nil {
		f.cancelFunc()
		f.cancelFunc = nil
	}
	err := f.conn.Close(websocket.StatusNormalClosure, "")
	f.conn, f.connCtx, f.connected = nil, nil, false
	return err
}

func (f *Feed) subscribe(ctx context.Context) error {
	data, err := json.Marshal([]string{"markets"})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return f.conn.Write(writeCtx, websocket.MessageText, data)
}

func (f *Feed) readLoop(ctx context.Context) {
	defer func() {
		f.mu.RLock()
		stopped := f.stopped
		f.mu.RUnlock()
		if !stopped {
			go f.reconnectLoop()
		}
	}()

	for {
		select {
		case <-f.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()
		if conn == nil {
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				f.log.Warn().Err(err).Msg("market status read failed")
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		if err := f.handleMessage(message); err != nil {
			f.log.Error().Err(err).Msg("failed to handle market status message")
		}
	}
}

func (f *Feed) handleMessage(message []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(message, &raw); err != nil || len(raw) < 2 {
		return fmt.Errorf("marketstatus: malformed push message")
	}
	var channel string
	if err := json.Unmarshal(raw[0], &channel); err != nil || channel != "markets" {
		return nil
	}
	var upd update
	if err := json.Unmarshal(raw[1], &upd); err != nil {
		return err
	}
	f.applyUpdate(upd)
	return nil
}

func (f *Feed) applyUpdate(upd update) {
	now := time.Now().UTC()
	f.cacheMu.Lock()
	openCount, closedCount := 0, 0
	codes := make([]string, 0, len(upd.Markets))
	for code, open := range upd.Markets {
		f.cache[code] = Status{Code: code, Open: open, UpdatedAt: now}
		codes = append(codes, code)
		if open {
			openCount++
		} else {
			closedCount++
		}
	}
	f.lastUpdate = now
	f.cacheMu.Unlock()

	if f.bus != nil {
		f.bus.Publish(events.Event{
			Type: events.MarketStatus, At: now,
			Data: &events.MarketStatusData{OpenCount: openCount, ClosedCount: closedCount, Codes: codes},
		})
	}
}

func (f *Feed) reconnectLoop() {
	attempt := 0
	for {
		select {
		case <-f.stopChan:
			return
		default:
		}
		attempt++
		delay := backoff(attempt)
		f.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting to market status feed")
		select {
		case <-time.After(delay):
		case <-f.stopChan:
			return
		}
		if err := f.connect(); err != nil {
			f.log.Error().Err(err).Int("attempt", attempt).Msg("market status reconnect failed")
			continue
		}
		f.mu.RLock()
		ctx := f.connCtx
		f.mu.RUnlock()
		go f.readLoop(ctx)
		return
	}
}

func backoff(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}

// IsOpen reports whether code is known to be open. An exchange never seen in
// a push (or a stale cache) is treated as open — an unknown status must
// never block polling, only a confirmed closed push should.
func (f *Feed) IsOpen(code string) bool {
	f.cacheMu.RLock()
	defer f.cacheMu.RUnlock()
	st, ok := f.cache[code]
	if !ok || f.isStale() {
		return true
	}
	return st.Open
}

func (f *Feed) isStale() bool {
	if f.lastUpdate.IsZero() {
		return true
	}
	return time.Since(f.lastUpdate) > cacheStaleThreshold
}
