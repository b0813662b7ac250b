package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"scuffedchat/models"
	"scuffedchat/retry"
)

const (
	// Time allowed to write a frame to the server.
	writeWait = 10 * time.Second

	// Maximum frame size accepted from the server.
	maxFrameSize = 1 << 20

	// DefaultHeartbeat is the Phoenix heartbeat period Supabase expects
	DefaultHeartbeat = 25 * time.Second

	realtimePath = "/realtime/v1/websocket"
)

// RealtimeConfig describes a Supabase Realtime endpoint
type RealtimeConfig struct {
	URL             string // project URL, http(s) or ws(s)
	APIKey          string
	AccessToken     string
	Heartbeat       time.Duration
	Reconnect       retry.Config
	ResyncPerMinute int // zero or less disables limiting
}

// RealtimeAdapter subscribes to Postgres changes through Supabase Realtime
type RealtimeAdapter struct {
	cfg      RealtimeConfig
	endpoint string
	dialer   *websocket.Dialer
	resync   Resyncer
	limiter  *rate.Limiter
	logger   zerolog.Logger

	ref          atomic.Uint64
	resyncQueued atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRealtimeAdapter builds an adapter; resync may be nil
func NewRealtimeAdapter(cfg RealtimeConfig, resync Resyncer, logger zerolog.Logger) (*RealtimeAdapter, error) {
	endpoint, err := realtimeEndpoint(cfg.URL, cfg.APIKey)
	if err != nil {
		return nil, err
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.Reconnect.BaseDelay <= 0 {
		cfg.Reconnect = retry.ReconnectConfig()
	}
	limit := rate.Inf
	if cfg.ResyncPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.ResyncPerMinute))
	}

	return &RealtimeAdapter{
		cfg:      cfg,
		endpoint: endpoint,
		dialer:   &websocket.Dialer{HandshakeTimeout: writeWait},
		resync:   resync,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger.With().Str("component", "realtime").Logger(),
	}, nil
}

func realtimeEndpoint(raw, apiKey string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("realtime url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported realtime url scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, realtimePath) {
		u.Path = strings.TrimSuffix(u.Path, "/") + realtimePath
	}
	q := u.Query()
	if apiKey != "" {
		q.Set("apikey", apiKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SetResyncer replaces the resync hook. Call it before Subscribe.
func (a *RealtimeAdapter) SetResyncer(r Resyncer) {
	a.resync = r
}

// Subscribe connects in the background and returns the event channel
func (a *RealtimeAdapter) Subscribe(ctx context.Context, selfID string) (<-chan models.DomainEvent, error) {
	if selfID == "" {
		return nil, fmt.Errorf("subscribe: empty user id")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return nil, ErrAlreadySubscribed
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan models.DomainEvent, 64)
	done := make(chan struct{})
	a.cancel = cancel
	a.done = done

	go func() {
		defer close(done)
		defer close(out)
		a.run(ctx, selfID, out)
	}()
	return out, nil
}

// Unsubscribe stops the connection and waits for the pump to exit
func (a *RealtimeAdapter) Unsubscribe() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (a *RealtimeAdapter) run(ctx context.Context, selfID string, out chan<- models.DomainEvent) {
	everConnected := false
	attempt := 0

	for {
		if !emit(ctx, out, models.ConnectionEvent(models.ConnectionChange{State: models.Connecting, At: time.Now()})) {
			return
		}

		joined, err := a.session(ctx, selfID, out, everConnected)
		if joined {
			everConnected = true
			attempt = 0
		}
		if ctx.Err() != nil {
			return
		}

		a.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Realtime connection lost")
		if !emit(ctx, out, models.ConnectionEvent(models.ConnectionChange{State: models.Disconnected, Err: err, At: time.Now()})) {
			return
		}

		if a.cfg.Reconnect.MaxRetries >= 0 && attempt >= a.cfg.Reconnect.MaxRetries {
			a.logger.Error().Int("attempts", attempt+1).Msg("Giving up on realtime connection")
			return
		}
		delay := retry.Delay(a.cfg.Reconnect, attempt)
		attempt++

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one connection until it fails or ctx is done. It reports
// whether the channel join succeeded.
func (a *RealtimeAdapter) session(ctx context.Context, selfID string, out chan<- models.DomainEvent, reconnect bool) (bool, error) {
	conn, _, err := a.dialer.DialContext(ctx, a.endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("%w: dial: %v", models.ErrTransport, err)
	}
	defer conn.Close()

	topic := "realtime:scuffedchat:" + selfID
	joinRef := a.nextRef()
	if err := a.write(conn, frame{Topic: topic, Event: "phx_join", Payload: joinPayload(selfID, a.cfg.AccessToken), Ref: joinRef}); err != nil {
		return false, err
	}

	readWait := 2*a.cfg.Heartbeat + writeWait
	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	frames := make(chan frame, 16)
	readErr := make(chan error, 1)
	go a.readPump(conn, readWait, frames, readErr, stop)

	heartbeat := time.NewTicker(a.cfg.Heartbeat)
	defer heartbeat.Stop()

	joined := false
	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return joined, ctx.Err()

		case <-heartbeat.C:
			hb := frame{Topic: "phoenix", Event: "heartbeat", Payload: json.RawMessage(`{}`), Ref: a.nextRef()}
			if err := a.write(conn, hb); err != nil {
				return joined, err
			}

		case f, ok := <-frames:
			if !ok {
				return joined, fmt.Errorf("%w: read: %v", models.ErrTransport, <-readErr)
			}
			switch {
			case f.Event == "phx_reply" && f.Ref == joinRef:
				if status, reason := replyStatus(f.Payload); status != "ok" {
					return joined, fmt.Errorf("%w: join rejected: %s", models.ErrTransport, reason)
				}
				if joined {
					continue
				}
				joined = true
				a.logger.Info().Bool("reconnected", reconnect).Msg("Realtime channel joined")
				change := models.ConnectionChange{State: models.Connected, Reconnected: reconnect, At: time.Now()}
				if !emit(ctx, out, models.ConnectionEvent(change)) {
					return joined, ctx.Err()
				}
				if reconnect {
					a.requestResync(ctx)
				}

			case f.Topic == topic && (f.Event == "phx_error" || f.Event == "phx_close"):
				return joined, fmt.Errorf("%w: channel %s", models.ErrTransport, f.Event)

			case f.Event == "postgres_changes":
				ev, err := DecodeChange(f.Payload, selfID)
				if err != nil {
					a.logger.Warn().Err(err).Msg("Dropping change")
					continue
				}
				if ev != nil && !emit(ctx, out, *ev) {
					return joined, ctx.Err()
				}
			}
		}
	}
}

// readPump forwards frames in order; a read error is stored in readErr
// before frames is closed.
func (a *RealtimeAdapter) readPump(conn *websocket.Conn, readWait time.Duration, frames chan<- frame, readErr chan<- error, stop <-chan struct{}) {
	defer close(frames)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			a.logger.Warn().Err(err).Msg("Dropping undecodable frame")
			continue
		}
		select {
		case frames <- f:
		case <-stop:
			return
		}
	}
}

func (a *RealtimeAdapter) write(conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", f.Event, err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write %s: %v", models.ErrTransport, f.Event, err)
	}
	return nil
}

// requestResync runs the hook once the limiter allows it. Requests made
// while one is already waiting are folded into it.
func (a *RealtimeAdapter) requestResync(ctx context.Context) {
	if a.resync == nil || !a.resyncQueued.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer a.resyncQueued.Store(false)
		if err := a.limiter.Wait(ctx); err != nil {
			return
		}
		a.resync(ctx)
	}()
}

func (a *RealtimeAdapter) nextRef() string {
	return strconv.FormatUint(a.ref.Add(1), 10)
}

type postgresFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter"`
}

func joinPayload(selfID, accessToken string) json.RawMessage {
	payload := map[string]interface{}{
		"config": map[string]interface{}{
			"broadcast": map[string]bool{"self": false},
			"presence":  map[string]string{"key": ""},
			"postgres_changes": []postgresFilter{
				{Event: "INSERT", Schema: "public", Table: "messages", Filter: "recipient_id=eq." + selfID},
				{Event: "INSERT", Schema: "public", Table: "messages", Filter: "sender_id=eq." + selfID},
				{Event: "INSERT", Schema: "public", Table: "friends", Filter: "friend_id=eq." + selfID},
			},
		},
	}
	if accessToken != "" {
		payload["access_token"] = accessToken
	}
	data, _ := json.Marshal(payload)
	return data
}

func replyStatus(payload json.RawMessage) (string, string) {
	var reply struct {
		Status   string          `json:"status"`
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(payload, &reply); err != nil {
		return "error", err.Error()
	}
	return reply.Status, string(reply.Response)
}
