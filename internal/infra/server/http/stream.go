package httpserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/subhub/internal/domain/schema"
)

const streamWriteTimeout = 5 * time.Second

// streamEvents upgrades to a websocket and forwards bus events of one type, optionally
// narrowed to an exchange and symbol, until either side goes away.
func (s *httpServer) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus unavailable")
		return
	}
	query := r.URL.Query()
	typ, err := schema.ParseDataType(query.Get("type"))
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	exchangeFilter := schema.NormalizeExchange(query.Get("exchange"))
	symbolFilter := strings.TrimSpace(query.Get("symbol"))
	if symbolFilter != "" {
		symbolFilter = schema.NormalizeSymbol(symbolFilter)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.logger.Printf("http: warn: websocket accept failed: %v", err)
		return
	}
	defer func() {
		_ = conn.CloseNow()
	}()

	// CloseRead discards client frames and cancels ctx once the peer closes.
	ctx := conn.CloseRead(r.Context())
	id, events, err := s.bus.Subscribe(ctx, typ.EventType())
	if err != nil {
		_ = conn.Close(websocket.StatusTryAgainLater, "subscribe failed")
		return
	}
	defer s.bus.Unsubscribe(id)
	s.logger.Printf("http: stream opened type=%s exchange=%s symbol=%s", typ, exchangeFilter, symbolFilter)

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case evt, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			if exchangeFilter != "" && evt.Exchange != exchangeFilter {
				continue
			}
			if symbolFilter != "" && evt.Symbol != symbolFilter {
				continue
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				s.logger.Printf("http: stream closed type=%s: %v", typ, err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt schema.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
