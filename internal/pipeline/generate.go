package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/ppiankov/changegate/internal/gate"
	"github.com/ppiankov/changegate/internal/grounding"
	"github.com/ppiankov/changegate/internal/llm"
	"github.com/ppiankov/changegate/internal/model"
)

// ErrUnparseable is returned when the generator's answer holds no usable
// proposal.
var ErrUnparseable = errors.New("pipeline: unparseable proposal response")

// GenerateRequest asks the generator for a new proposal.
type GenerateRequest struct {
	SessionID   string       `json:"session_id,omitempty"`
	Instruction string       `json:"instruction" validate:"required,max=20000"`
	Category    string       `json:"category,omitempty"`
	Targets     []string     `json:"targets,omitempty"`
	Image       []byte       `json:"image,omitempty"`
	CreatedBy   string       `json:"created_by,omitempty"`
	Source      model.Source `json:"source,omitempty" validate:"omitempty,oneof=chat system-analysis bug-fix"`
}

// Job is the state carried through the generation stages.
type Job struct {
	Request     GenerateRequest
	Session     string
	Grounding   *grounding.Package
	Instruction string // gate-sanitized
	Response    string
	Proposal    *model.Proposal
	ID          string
}

// Stage is one step of the generation chain.
type Stage struct {
	Name string
	Run  func(ctx context.Context, j *Job) error
}

// Stages returns the generation chain in order. The gate and the generator
// are separate stages; neither knows about the other.
func (s *Service) Stages() []Stage {
	return []Stage{
		{Name: "grounding", Run: s.groundStage},
		{Name: "input_gate", Run: s.inputStage},
		{Name: "generate", Run: s.generateStage},
		{Name: "output_gate", Run: s.outputStage},
		{Name: "parse", Run: s.parseStage},
		{Name: "create", Run: s.createStage},
	}
}

// RunStages runs stages in order and stops at the first error.
func RunStages(ctx context.Context, stages []Stage, j *Job, log *zap.Logger) error {
	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		if err := st.Run(ctx, j); err != nil {
			log.Info("generation stopped", zap.String("stage", st.Name), zap.String("session", j.Session), zap.Error(err))
			return fmt.Errorf("pipeline: %s: %w", st.Name, err)
		}
		log.Debug("stage done", zap.String("stage", st.Name), zap.Duration("took", time.Since(start)))
	}
	return nil
}

// Generate runs the full chain and returns the new proposal's id. A blocked
// input never reaches the generator; a discarded or invalid output is never
// persisted.
func (s *Service) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if s.opts.Generator == nil {
		return "", errors.New("pipeline: no generator configured")
	}
	if err := s.structs.Struct(req); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	session, end := s.session(req.SessionID, "generate")
	defer end()
	j := &Job{Request: req, Session: session}
	if err := RunStages(ctx, s.Stages(), j, s.log); err != nil {
		return "", err
	}
	return j.ID, nil
}

func (s *Service) groundStage(ctx context.Context, j *Job) error {
	if s.opts.Grounding == nil {
		return nil
	}
	pkg, err := s.opts.Grounding.Build(ctx, grounding.Request{
		Category: j.Request.Category,
		Targets:  j.Request.Targets,
		Question: j.Request.Instruction,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("grounding failed, generating without project context", zap.Error(err))
		return nil
	}
	j.Grounding = pkg
	return nil
}

func (s *Service) inputStage(ctx context.Context, j *Job) error {
	clean, err := s.opts.Gate.CheckInput(ctx, j.Session, j.Request.Instruction, gate.SourcePrompt)
	if err != nil {
		return err
	}
	j.Instruction = clean
	if len(j.Request.Image) > 0 {
		text, err := s.opts.Gate.CheckImage(ctx, j.Session, j.Request.Image)
		if err != nil {
			return err
		}
		if strings.TrimSpace(text) != "" {
			j.Instruction += "\n\n## Text from the attached image\n" + text
		}
	}
	return nil
}

func (s *Service) generateStage(ctx context.Context, j *Job) error {
	resp, err := s.opts.Generator.Generate(ctx, llm.Request{
		System:      generationSystem,
		Prompt:      generationPrompt(j),
		Temperature: s.opts.Temperature,
		MaxTokens:   s.opts.MaxTokens,
	})
	if err != nil {
		return err
	}
	j.Response = resp.Text
	return nil
}

func (s *Service) outputStage(ctx context.Context, j *Job) error {
	text, err := s.opts.Gate.CheckOutput(ctx, j.Session, j.Response)
	if err != nil {
		return err
	}
	j.Response = text
	return nil
}

func (s *Service) parseStage(ctx context.Context, j *Job) error {
	p, err := ParseProposal(j.Response)
	if err != nil {
		return err
	}
	if p.Title == "" {
		p.Title = llm.Truncate(j.Request.Instruction, 120)
	}
	p.Source = firstSource(j.Request.Source, model.SourceChat)
	p.CreatedBy = j.Request.CreatedBy
	p.Metadata = map[string]string{MetaSession: j.Session}
	if j.Request.Category != "" {
		p.Metadata[MetaCategory] = j.Request.Category
	}
	j.Proposal = p
	return nil
}

func (s *Service) createStage(ctx context.Context, j *Job) error {
	id, err := s.create(ctx, j.Proposal)
	if err != nil {
		return err
	}
	j.ID = id
	return nil
}

const generationSystem = `You write code changes for an existing project. Answer with one JSON object and nothing else. ` +
	`Every file must contain its complete new content. Only import modules listed in the declared dependencies ` +
	`or the project itself. Never touch environment files, credentials or keys.`

const proposalFormat = `{
  "title": "short summary",
  "description": "what changes and why",
  "risk_level": "low|medium|high|critical",
  "priority": "low|medium|high|critical",
  "files": [
    {"path": "relative/path.py", "action": "create|modify", "content": "complete file content", "reason": "why"}
  ]
}`

func generationPrompt(j *Job) string {
	var b strings.Builder
	if j.Grounding != nil {
		b.WriteString(j.Grounding.Render())
		b.WriteString("\n")
	}
	b.WriteString("## Request\n")
	b.WriteString(j.Instruction)
	b.WriteString("\n\n## Response format\n")
	b.WriteString(proposalFormat)
	b.WriteString("\n")
	return b.String()
}

// ParseProposal reads the first JSON object in text as a proposal. Unknown
// levels fall back to medium; "file"/"code" are accepted for "path"/"content".
func ParseProposal(text string) (*model.Proposal, error) {
	raw, err := llm.ExtractJSON(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	doc := gjson.Parse(raw)
	p := &model.Proposal{
		Title:       strings.TrimSpace(doc.Get("title").String()),
		Description: strings.TrimSpace(doc.Get("description").String()),
		RiskLevel:   level(doc.Get("risk_level").String()),
		Priority:    level(doc.Get("priority").String()),
	}
	doc.Get("files").ForEach(func(_, f gjson.Result) bool {
		path := f.Get("path").String()
		if path == "" {
			path = f.Get("file").String()
		}
		content := f.Get("content")
		if !content.Exists() {
			content = f.Get("code")
		}
		if path == "" || !content.Exists() {
			return true
		}
		fc := model.FileChange{Path: path, Content: content.String(), Reason: f.Get("reason").String()}
		switch a := model.ChangeAction(strings.ToLower(f.Get("action").String())); a {
		case model.ChangeCreate, model.ChangeModify:
			fc.Action = a
		}
		p.Files = append(p.Files, fc)
		return true
	})
	if len(p.Files) == 0 {
		return nil, fmt.Errorf("%w: no files", ErrUnparseable)
	}
	return p, nil
}

func level(s string) model.Level {
	switch l := model.Level(strings.ToLower(strings.TrimSpace(s))); l {
	case model.LevelLow, model.LevelMedium, model.LevelHigh, model.LevelCritical:
		return l
	}
	return model.LevelMedium
}

func firstSource(vals ...model.Source) model.Source {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
