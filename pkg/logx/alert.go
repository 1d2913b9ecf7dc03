package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AlertSender delivers one alert line into a chat thread. Wired by the app
// once the chat client exists; until then alerts are dropped silently.
type AlertSender func(ctx context.Context, text, threadID, space string) error

// SetAlertSender installs the delivery function for the alert sink.
func (s *Service) SetAlertSender(fn AlertSender) { s.alert.setSender(fn) }

type alertItem struct {
	space  string
	thread string
	text   string
}

// alertSink is a zerolog LevelWriter that forwards high-severity records into
// a chat space. Delivery happens on a single background worker so the logging
// hot path never performs network calls.
type alertSink struct {
	mu       sync.Mutex
	cfg      AlertConfig
	minLevel zerolog.Level
	limiter  *rate.Limiter
	sender   AlertSender

	queue  chan alertItem
	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newAlertSink() *alertSink {
	return &alertSink{queue: make(chan alertItem, 256)}
}

func (a *alertSink) apply(cfg AlertConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg
	a.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	rps := cfg.RatePerSec
	if rps < 1 {
		rps = 1
	}
	a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
}

func (a *alertSink) setSender(fn AlertSender) {
	a.mu.Lock()
	a.sender = fn
	a.mu.Unlock()
	if fn == nil {
		return
	}
	a.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		a.cancel = cancel
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.worker(ctx)
		}()
	})
}

func (a *alertSink) close() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		a.wg.Wait()
	}
}

func (a *alertSink) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-a.queue:
			a.mu.Lock()
			fn := a.sender
			a.mu.Unlock()
			if fn == nil {
				continue
			}
			_ = fn(ctx, it.text, it.thread, it.space)
		}
	}
}

func (a *alertSink) Write(p []byte) (int, error) {
	return a.WriteLevel(zerolog.InfoLevel, p)
}

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	cfg := a.cfg
	min := a.minLevel
	lim := a.limiter
	hasSender := a.sender != nil
	a.mu.Unlock()

	if !cfg.Enabled || !hasSender || cfg.Space == "" || level < min {
		return len(p), nil
	}
	if lim != nil && !lim.Allow() {
		return len(p), nil
	}

	msg := formatAlertLine(p)
	if msg == "" {
		return len(p), nil
	}
	// Never block core logging.
	select {
	case a.queue <- alertItem{space: cfg.Space, thread: cfg.ThreadID, text: msg}:
	default:
		// drop
	}
	return len(p), nil
}

// formatAlertLine flattens one zerolog JSON record into a compact chat line:
// "[WARN] message (k=v, k=v)".
func formatAlertLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 3500)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)

	first := true
	for k, v := range m {
		switch k {
		case "time", "level", "message", "caller":
			continue
		}
		if first {
			b.WriteString(" (")
			first = false
		} else {
			b.WriteString(", ")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(fmt.Sprint(v), 600))
	}
	if !first {
		b.WriteString(")")
	}
	return truncate(b.String(), 3500)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
