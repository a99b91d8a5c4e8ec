package alert

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/changegate/internal/model"
)

// Dispatcher fans out events to matching webhook configurations.
type Dispatcher struct {
	configs []Config
	client  *http.Client
	backoff time.Duration
	log     *zap.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty; a nil Dispatcher drops every event.
func NewDispatcher(configs []Config, log *zap.Logger) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		configs: configs,
		client:  &http.Client{Timeout: requestTimeout},
		backoff: time.Second,
		log:     log.Named("alert"),
	}
}

// Notify sends ev to every webhook subscribed to its type. It does not
// block; Close waits for outstanding sends.
func (d *Dispatcher) Notify(ev Event) {
	if d == nil {
		return
	}
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	for _, cfg := range d.configs {
		if !slices.Contains(cfg.Events, ev.Type) {
			continue
		}
		d.wg.Add(1)
		go func(cfg Config) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), maxRetries*(requestTimeout+maxRetries*d.backoff))
			defer cancel()
			if err := send(ctx, d.client, d.backoff, cfg, ev); err != nil {
				d.log.Warn("webhook failed", zap.String("url", cfg.URL), zap.String("event", ev.Type), zap.Error(err))
			}
		}(cfg)
	}
}

// Close waits for in-flight webhooks.
func (d *Dispatcher) Close() error {
	if d != nil {
		d.wg.Wait()
	}
	return nil
}

// Recorder is the security event sink the gate writes to.
type Recorder interface {
	Record(ev model.SecurityEvent) error
}

type sink struct {
	next Recorder
	d    *Dispatcher
}

// NewSink forwards every event to next and raises EventBlocked for
// blocked inputs. With a nil Dispatcher it returns next unchanged.
func NewSink(next Recorder, d *Dispatcher) Recorder {
	if d == nil {
		return next
	}
	return &sink{next: next, d: d}
}

func (s *sink) Record(ev model.SecurityEvent) error {
	err := s.next.Record(ev)
	if ev.Action == model.EventBlocked || ev.Action == model.EventDiscarded {
		s.d.Notify(Event{
			Type:      EventBlocked,
			Severity:  string(ev.Severity),
			Reason:    string(ev.Type) + " (" + string(ev.Action) + ")",
			SessionID: ev.SessionID,
		})
	}
	return err
}
