package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/havenssh/core/internal/bridge"
)

const (
	// MaxInputMessageSize is the largest binary input message forwarded to a
	// shell. Larger messages are dropped.
	MaxInputMessageSize = 64 * 1024
	// MaxResizeCols and MaxResizeRows clamp resize requests.
	MaxResizeCols = 500
	MaxResizeRows = 500

	// closeAlreadyAttached is sent when another consumer holds the bridge.
	closeAlreadyAttached websocket.StatusCode = 4409

	// terminalRateLimit is the number of input messages allowed per second
	// per connection; terminalRateBurst absorbs pastes.
	terminalRateLimit = 200
	terminalRateBurst = 200
)

type termControlMsg struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

type termStatusMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Clean     bool   `json:"clean"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// tokenBucket is a simple rate limiter for terminal messages.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int // tokens added per second
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) allow() bool {
	now := time.Now()
	refill := int(now.Sub(tb.lastRefill).Seconds() * float64(tb.refillRate))
	if refill > 0 {
		tb.tokens += refill
		tb.lastRefill = now
	}
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}

func clamp(v, max int) int {
	if v > max {
		return max
	}
	return v
}

// Terminal attaches a WebSocket client as the terminal consumer of a
// session. Binary messages are input; text messages carry JSON control
// ({"type":"resize","cols":N,"rows":M}). Output is sent as binary messages
// and stream ends as {"type":"disconnected"} text messages. The connection
// stays open across reconnects.
func (a *API) Terminal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := a.Sup.Bridge(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[api] accept terminal websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	if !b.TryAttach() {
		conn.Close(closeAlreadyAttached, "Session already attached")
		return
	}
	defer b.Detach()
	log.Printf("[api] terminal attached: session=%s", id)
	defer log.Printf("[api] terminal detached: session=%s", id)

	conn.SetReadLimit(1024 * 1024)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	info := termStatusMsg{Type: "session_info", SessionID: id}
	if sess, ok := a.Sup.Store().Get(id); ok {
		info.Status = sess.Status.String()
	}
	if err := writeText(ctx, conn, info); err != nil {
		return
	}

	// Bridge -> client. The forwarder must be gone before Detach, or it could
	// take events meant for the next consumer.
	forwarded := make(chan struct{})
	defer func() {
		cancel()
		<-forwarded
	}()
	go func() {
		defer close(forwarded)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-b.Events():
				if !ok {
					conn.Close(websocket.StatusNormalClosure, "Session closed")
					return
				}
				if err := forwardEvent(ctx, conn, ev); err != nil {
					return
				}
			}
		}
	}()

	// Client -> bridge
	limiter := newTokenBucket(terminalRateBurst, terminalRateLimit)
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if !limiter.allow() {
			continue
		}

		if msgType == websocket.MessageBinary {
			if len(data) > MaxInputMessageSize {
				log.Printf("[api] terminal input too large: session=%s size=%d limit=%d", id, len(data), MaxInputMessageSize)
				continue
			}
			if err := b.SendInput(data); err != nil {
				if errors.Is(err, bridge.ErrClosed) {
					return
				}
				log.Printf("[api] terminal input: session=%s: %v", id, err)
			}
			continue
		}

		var msg termControlMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "resize" && msg.Cols > 0 && msg.Rows > 0 {
			if err := b.Resize(clamp(msg.Cols, MaxResizeCols), clamp(msg.Rows, MaxResizeRows)); errors.Is(err, bridge.ErrClosed) {
				return
			}
		}
	}
}

func forwardEvent(ctx context.Context, conn *websocket.Conn, ev bridge.Event) error {
	switch ev.Kind {
	case bridge.EventData:
		return conn.Write(ctx, websocket.MessageBinary, ev.Data)
	case bridge.EventDisconnected:
		msg := termStatusMsg{Type: "disconnected", Clean: ev.Termination.Clean, Reason: ev.Termination.String()}
		if ev.Termination.HasExit {
			code := ev.Termination.ExitCode
			msg.ExitCode = &code
		}
		return writeText(ctx, conn, msg)
	}
	return nil
}

func writeText(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
