package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamFeed consumes normalized bar records from a market-data websocket
// and batches them into minute-aligned ticks for the engine loop. The
// upstream service pushes one JSON FeatureRecord per bar close.
type StreamFeed struct {
	URL     string
	Symbols []string

	dialer *websocket.Dialer

	mu      sync.Mutex
	pending map[string]FeatureRecord
	conn    *websocket.Conn
	readErr error
	started bool
}

func NewStreamFeed(url string, symbols []string) *StreamFeed {
	return &StreamFeed{
		URL:     url,
		Symbols: symbols,
		dialer:  websocket.DefaultDialer,
		pending: make(map[string]FeatureRecord),
	}
}

// NextTick drains everything the reader accumulated since the previous call.
// It waits out the remainder of the current minute so ticks line up with bar
// closes.
func (f *StreamFeed) NextTick(ctx context.Context) (Tick, error) {
	if !f.started {
		if err := f.start(ctx); err != nil {
			return Tick{}, err
		}
		f.started = true
	}

	now := time.Now()
	next := now.Truncate(time.Minute).Add(time.Minute)
	select {
	case <-ctx.Done():
		return Tick{}, ctx.Err()
	case <-time.After(next.Sub(now)):
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return Tick{}, f.readErr
	}
	records := f.pending
	f.pending = make(map[string]FeatureRecord)
	return Tick{Time: next, Records: records}, nil
}

func (f *StreamFeed) start(ctx context.Context) error {
	conn, _, err := f.dialer.DialContext(ctx, f.URL, nil)
	if err != nil {
		return fmt.Errorf("dial feed ws: %w", err)
	}
	f.conn = conn

	sub := map[string]any{"op": "subscribe", "symbols": f.Symbols}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe: %w", err)
	}

	go f.readLoop(ctx)
	return nil
}

func (f *StreamFeed) readLoop(ctx context.Context) {
	defer f.conn.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, msg, err := f.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			log.Printf("feed ws read error: %v", err)
			f.mu.Lock()
			f.readErr = err
			f.mu.Unlock()
			return
		}

		var rec FeatureRecord
		if err := json.Unmarshal(msg, &rec); err != nil {
			log.Printf("feed ws parse error: %v", err)
			continue
		}
		if rec.Symbol == "" {
			continue
		}

		f.mu.Lock()
		f.pending[strings.ToUpper(rec.Symbol)] = rec
		f.mu.Unlock()
	}
}
