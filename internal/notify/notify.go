// Package notify pushes a summary of every finished call to chat sinks.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/callgate/internal/concurrency"
	"github.com/harunnryd/callgate/internal/config"
	"github.com/harunnryd/callgate/internal/voice"
)

const defaultSendTimeout = 10 * time.Second

// Sink delivers a text message to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, text string) error
}

type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewDispatcher(sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks, timeout: defaultSendTimeout}
}

// FromConfig builds a dispatcher with every enabled sink.
func FromConfig(cfg config.NotifyConfig) (*Dispatcher, error) {
	var sinks []Sink

	if cfg.Slack.Enabled {
		token := strings.TrimSpace(cfg.Slack.BotToken)
		if token == "" {
			token = strings.TrimSpace(os.Getenv("SLACK_BOT_TOKEN"))
		}
		if token == "" {
			return nil, fmt.Errorf("notify.slack.bot_token is required when slack notifications are enabled")
		}
		if strings.TrimSpace(cfg.Slack.Channel) == "" {
			return nil, fmt.Errorf("notify.slack.channel is required when slack notifications are enabled")
		}
		sinks = append(sinks, NewSlackSink(token, cfg.Slack.Channel))
	}

	if cfg.Telegram.Enabled {
		token := strings.TrimSpace(cfg.Telegram.BotToken)
		if token == "" {
			token = strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
		}
		if token == "" {
			return nil, fmt.Errorf("notify.telegram.bot_token is required when telegram notifications are enabled")
		}
		if cfg.Telegram.ChatID == 0 {
			return nil, fmt.Errorf("notify.telegram.chat_id is required when telegram notifications are enabled")
		}
		sinks = append(sinks, NewTelegramSink(token, cfg.Telegram.ChatID))
	}

	return NewDispatcher(sinks...), nil
}

func (d *Dispatcher) Enabled() bool { return len(d.sinks) > 0 }

// CallEnded is registered as the manager's call-ended hook. Delivery happens
// in the background so the manager never waits on a chat API.
func (d *Dispatcher) CallEnded(rec *voice.CallRecord) {
	if !d.Enabled() {
		return
	}
	d.wg.Add(1)
	concurrency.SafeGo("notify:"+rec.CallID, func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		d.Notify(ctx, rec)
	}, nil)
}

// Notify sends the summary of rec to every sink and returns the number of
// successful deliveries. Failures are logged.
func (d *Dispatcher) Notify(ctx context.Context, rec *voice.CallRecord) int {
	text := Summary(rec, defaultSummaryTurns)
	delivered := 0
	for _, s := range d.sinks {
		if err := s.Send(ctx, text); err != nil {
			slog.Warn("Call summary not delivered", "sink", s.Name(), "call_id", rec.CallID, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Wait blocks until background deliveries finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
