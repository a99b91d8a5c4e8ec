// Package inbox turns recommendation files dropped into a directory into
// proposals. Files are *.json; writers should create them under a .tmp name
// and rename, so a half-written file is never picked up.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/changegate/internal/llm"
	"github.com/ppiankov/changegate/internal/metrics"
	"github.com/ppiankov/changegate/internal/model"
	"github.com/ppiankov/changegate/internal/pipeline"
)

const (
	dirPerm = 0o750

	processedDir = "processed"
	failedDir    = "failed"

	// CreatedBy marks proposals that arrived through the inbox.
	CreatedBy = "inbox"
)

// maxFileSize bounds a single recommendation file.
const maxFileSize = 4 << 20

// Recommendation is the content of one inbox file. Files, when present,
// become a proposal directly; otherwise Instruction (or the title and
// description) is sent through generation.
type Recommendation struct {
	Title       string             `json:"title"`
	Description string             `json:"description,omitempty"`
	Files       []model.FileChange `json:"files,omitempty"`
	Instruction string             `json:"instruction,omitempty"`
	Category    string             `json:"category,omitempty"`
	Targets     []string           `json:"targets,omitempty"`
	Priority    model.Level        `json:"priority,omitempty"`
	RiskLevel   model.Level        `json:"risk_level,omitempty"`
}

// Result is written next to every processed or failed file as
// <name>.result.json.
type Result struct {
	File        string    `json:"file"`
	ProposalID  string    `json:"proposal_id,omitempty"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Submitter is the part of pipeline.Service the inbox drives.
type Submitter interface {
	CreateProposal(ctx context.Context, req pipeline.CreateRequest) (string, error)
	Generate(ctx context.Context, req pipeline.GenerateRequest) (string, error)
	EndSession(sessionID string)
}

// ErrEmpty marks a recommendation with nothing to act on.
var ErrEmpty = errors.New("inbox: recommendation has neither files nor an instruction")

// Processor handles one file at a time. Safe for concurrent use on
// distinct files.
type Processor struct {
	dir string
	sub Submitter
	log *zap.Logger
}

// NewProcessor creates the processed/ and failed/ directories under dir.
func NewProcessor(dir string, sub Submitter, log *zap.Logger) (*Processor, error) {
	if dir == "" {
		return nil, errors.New("inbox: directory is required")
	}
	if sub == nil {
		return nil, errors.New("inbox: submitter is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	for _, d := range []string{dir, filepath.Join(dir, processedDir), filepath.Join(dir, failedDir)} {
		if err := os.MkdirAll(d, dirPerm); err != nil {
			return nil, fmt.Errorf("inbox: create %s: %w", d, err)
		}
	}
	return &Processor{dir: dir, sub: sub, log: log.Named("inbox")}, nil
}

// Dir is the watched directory.
func (p *Processor) Dir() string { return p.dir }

// Process submits the file and moves it to processed/ or failed/. The
// returned error is the submission failure, already recorded in the result
// file. A nil Result means the file was left where it was: it could not be
// moved, ctx ended mid-submission, or the model provider rate limited the
// request. Each file gets its own gate session, ended once it is handled.
func (p *Processor) Process(ctx context.Context, path string) (*Result, error) {
	name := filepath.Base(path)
	res := &Result{File: name}

	session := "inbox:" + strings.TrimSuffix(name, ".json")
	id, subErr := p.submit(ctx, path, session)
	p.sub.EndSession(session)
	if subErr != nil && ctx.Err() != nil {
		// Interrupted; left in place for the next run.
		return nil, subErr
	}
	if errors.Is(subErr, llm.ErrRateLimited) {
		p.log.Warn("rate limited, leaving recommendation for a later pass", zap.String("file", name))
		return nil, subErr
	}
	res.ProposalID = id
	res.CompletedAt = time.Now().UTC()
	dest := processedDir
	if subErr != nil {
		res.Error = subErr.Error()
		dest = failedDir
	}
	metrics.InboxFiles.WithLabelValues(metrics.Result(subErr)).Inc()

	target := filepath.Join(p.dir, dest, name)
	if err := os.Rename(path, target); err != nil {
		return nil, fmt.Errorf("inbox: move %s: %w", name, err)
	}
	if err := writeResult(target+".result.json", res); err != nil {
		p.log.Warn("write result", zap.String("file", name), zap.Error(err))
	}

	if subErr != nil {
		p.log.Warn("recommendation failed", zap.String("file", name), zap.Error(subErr))
		return res, subErr
	}
	p.log.Info("recommendation accepted", zap.String("file", name), zap.String("proposal", id))
	return res, nil
}

func (p *Processor) submit(ctx context.Context, path, session string) (string, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return "", fmt.Errorf("inbox: stat: %w", err)
	}
	if !fi.Mode().IsRegular() {
		return "", fmt.Errorf("inbox: %s is not a regular file", filepath.Base(path))
	}
	if fi.Size() > maxFileSize {
		return "", fmt.Errorf("inbox: %s exceeds %d bytes", filepath.Base(path), maxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("inbox: read: %w", err)
	}
	var rec Recommendation
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", fmt.Errorf("inbox: invalid JSON: %w", err)
	}

	switch {
	case len(rec.Files) > 0:
		return p.sub.CreateProposal(ctx, pipeline.CreateRequest{
			Title:       rec.Title,
			Description: rec.Description,
			Files:       rec.Files,
			Source:      model.SourceSystemAnalysis,
			Priority:    rec.Priority,
			RiskLevel:   rec.RiskLevel,
			CreatedBy:   CreatedBy,
			SessionID:   session,
		})
	case instruction(rec) != "":
		return p.sub.Generate(ctx, pipeline.GenerateRequest{
			SessionID:   session,
			Instruction: instruction(rec),
			Category:    rec.Category,
			Targets:     rec.Targets,
			CreatedBy:   CreatedBy,
			Source:      model.SourceSystemAnalysis,
		})
	default:
		return "", ErrEmpty
	}
}

func instruction(rec Recommendation) string {
	if s := strings.TrimSpace(rec.Instruction); s != "" {
		return s
	}
	parts := make([]string, 0, 2)
	for _, s := range []string{rec.Title, rec.Description} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

func writeResult(path string, res *Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

// isRecommendation reports whether name is a complete inbox file.
func isRecommendation(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}
