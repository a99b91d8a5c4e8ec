package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ppiankov/changegate/internal/metrics"
	"github.com/ppiankov/changegate/internal/model"
)

// ErrBlocked is wrapped by every ViolationError.
var ErrBlocked = errors.New("blocked by security gate")

// ErrOutputDiscarded is the generic failure returned when model output
// leaked too much to be partially delivered.
var ErrOutputDiscarded = errors.New("model response discarded by security gate")

// ViolationError describes a blocked input.
type ViolationError struct {
	Stage    string
	Score    int
	Severity model.Level
	Reason   string
	Patterns []string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("security violation (%s): %s [score=%d severity=%s]", e.Stage, e.Reason, e.Score, e.Severity)
}

func (e *ViolationError) Unwrap() error { return ErrBlocked }

// EventSink persists security events.
type EventSink interface {
	Record(ev model.SecurityEvent) error
}

// Source tells the gate what produced the text. Tool output
// (test logs, model explanations) is not held to code-execution patterns.
type Source string

const (
	SourcePrompt     Source = "prompt"
	SourceToolOutput Source = "tool_output"
)

// Config assembles a Gate.
type Config struct {
	Corpus *Corpus
	Input  InputConfig
	Output OutputConfig
	OCR    OCR
	Logger *zap.Logger
}

// Gate runs the input, output and image checks and records every event
// before a blocked call returns.
type Gate struct {
	input   *InputGate
	output  *OutputGate
	threats *Tracker
	ocr     OCR
	sink    EventSink
	log     *zap.Logger
}

// New builds a Gate. sink must not be nil.
func New(cfg Config, sink EventSink) (*Gate, error) {
	if sink == nil {
		return nil, errors.New("gate: event sink is required")
	}
	in, err := NewInputGate(cfg.Corpus, cfg.Input)
	if err != nil {
		return nil, err
	}
	ocr := cfg.OCR
	if ocr == nil {
		ocr = TesseractOCR{}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{
		input:   in,
		output:  NewOutputGate(cfg.Output),
		threats: NewTracker(),
		ocr:     ocr,
		sink:    sink,
		log:     log.Named("gate"),
	}, nil
}

// Input exposes the input gate for corpus hot reload.
func (g *Gate) Input() *InputGate { return g.input }

// Threats exposes the per-session tracker.
func (g *Gate) Threats() *Tracker { return g.threats }

// EndSession resets the session's threat context.
func (g *Gate) EndSession(sessionID string) { g.threats.Reset(sessionID) }

// CheckInput normalizes and scores text. It returns the sanitized text, or
// a *ViolationError after the block has been recorded.
func (g *Gate) CheckInput(ctx context.Context, sessionID, text string, src Source) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var skip []string
	if src == SourceToolOutput {
		skip = []string{CatCodeExecution}
	}
	d := g.input.Inspect(text, skip...)
	return g.decide(sessionID, "input", d.Event, d)
}

// CheckImage validates an image, extracts its text and runs that text
// through the same detector. It returns the sanitized image text.
func (g *Gate) CheckImage(ctx context.Context, sessionID string, image []byte) (string, error) {
	if _, err := CheckImageFormat(image); err != nil {
		metrics.GateVerdicts.WithLabelValues("image", "rejected").Inc()
		return "", err
	}
	text, err := g.ocr.ExtractText(ctx, image)
	if err != nil {
		return "", err
	}
	d := g.input.Inspect(text)
	return g.decide(sessionID, "image", model.EventImageTextAnomaly, d)
}

func (g *Gate) decide(sessionID, stage string, evType model.EventType, d Detection) (string, error) {
	patterns := d.MatchedText()
	a := g.threats.Observe(sessionID, d.Score, d.Verdict == VerdictBlock, patterns)

	blocked := d.Verdict == VerdictBlock || a.ShouldBlock
	if !blocked && d.Verdict == VerdictAllow {
		metrics.GateVerdicts.WithLabelValues(stage, string(VerdictAllow)).Inc()
		return d.Sanitized, nil
	}

	ev := model.SecurityEvent{
		Type:      evType,
		Severity:  d.Severity,
		SessionID: sessionID,
		Score:     d.Score,
		Patterns:  patterns,
		Action:    model.EventFlagged,
	}
	if blocked {
		ev.Action = model.EventBlocked
		if a.ShouldBlock && d.Verdict != VerdictBlock {
			ev.Patterns = append(ev.Patterns, "session: "+a.Reason)
			if model.LevelRank[ev.Severity] < model.LevelRank[model.LevelHigh] {
				ev.Severity = model.LevelHigh
			}
		}
	}
	recErr := g.sink.Record(ev)
	if recErr != nil {
		g.log.Error("failed to record security event", zap.Error(recErr))
	}

	if !blocked {
		metrics.GateVerdicts.WithLabelValues(stage, string(VerdictFlag)).Inc()
		g.log.Info("input flagged",
			zap.String("stage", stage),
			zap.String("session", sessionID),
			zap.Int("score", d.Score),
			zap.Strings("categories", d.Categories))
		return d.Sanitized, nil
	}

	metrics.GateVerdicts.WithLabelValues(stage, string(VerdictBlock)).Inc()
	reason := "matched " + strings.Join(d.Categories, ", ")
	if d.Verdict != VerdictBlock {
		reason = a.Reason
	} else if len(d.Categories) == 0 {
		reason = "invisible characters"
	}
	g.log.Warn("input blocked",
		zap.String("stage", stage),
		zap.String("session", sessionID),
		zap.Int("score", d.Score),
		zap.String("reason", reason))

	violation := &ViolationError{
		Stage:    stage,
		Score:    d.Score,
		Severity: ev.Severity,
		Reason:   reason,
		Patterns: ev.Patterns,
	}
	if recErr != nil {
		return "", errors.Join(violation, recErr)
	}
	return "", violation
}

// CheckOutput redacts secrets in model output. It returns the filtered
// text, or ErrOutputDiscarded once the discard has been recorded.
func (g *Gate) CheckOutput(ctx context.Context, sessionID, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	res := g.output.Filter(text)

	if res.Malicious() {
		if err := g.sink.Record(model.SecurityEvent{
			Type:      model.EventInjectionAttempt,
			Severity:  model.LevelHigh,
			Action:    model.EventFlagged,
			SessionID: sessionID,
			Patterns:  res.Names(),
		}); err != nil {
			g.log.Error("failed to record security event", zap.Error(err))
		}
	}

	switch {
	case res.Discard:
		metrics.GateVerdicts.WithLabelValues("output", "discard").Inc()
		err := g.sink.Record(model.SecurityEvent{
			Type:      model.EventOutputDiscarded,
			Severity:  res.Severity,
			Action:    model.EventDiscarded,
			SessionID: sessionID,
			Score:     int(res.Ratio * 100),
			Patterns:  res.Names(),
		})
		g.log.Warn("model output discarded",
			zap.String("session", sessionID),
			zap.Float64("redaction_ratio", res.Ratio),
			zap.Strings("findings", res.Names()))
		if err != nil {
			return "", errors.Join(ErrOutputDiscarded, err)
		}
		return "", ErrOutputDiscarded

	case res.Redacted():
		metrics.GateVerdicts.WithLabelValues("output", "redact").Inc()
		if err := g.sink.Record(model.SecurityEvent{
			Type:      model.EventSecretLeak,
			Severity:  res.Severity,
			Action:    model.EventRedacted,
			SessionID: sessionID,
			Score:     int(res.Ratio * 100),
			Patterns:  res.Names(),
		}); err != nil {
			g.log.Error("failed to record security event", zap.Error(err))
		}
		return res.Text, nil
	}

	metrics.GateVerdicts.WithLabelValues("output", string(VerdictAllow)).Inc()
	return res.Text, nil
}
