package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ppiankov/changegate/internal/deploy"
	"github.com/ppiankov/changegate/internal/gate"
	"github.com/ppiankov/changegate/internal/model"
	"github.com/ppiankov/changegate/internal/sandbox"
	"github.com/ppiankov/changegate/internal/store"
	"github.com/ppiankov/changegate/internal/validate"
)

func TestKind(t *testing.T) {
	depErr := &deploy.Error{Op: "apply", Proposal: "p1", Err: errors.New("disk full")}
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"deploy", depErr, KindDeployment},
		{"wrapped deploy", fmt.Errorf("pipeline: apply p1: %w", depErr), KindDeployment},
		{"blocked", &gate.ViolationError{Stage: "input", Score: 40}, KindSecurity},
		{"discarded", fmt.Errorf("generate: %w", gate.ErrOutputDiscarded), KindSecurity},
		{"validation", &validate.Error{Issues: []validate.Issue{{Path: "a.py", Kind: "syntax", Message: "bad"}}}, KindValidation},
		{"transition", &model.TransitionError{From: model.StatusProposed, Action: model.ActionApply}, KindTransition},
		{"not found", fmt.Errorf("store: get x: %w", store.ErrNotFound), KindNotFound},
		{"invalid request", fmt.Errorf("%w: title required", ErrInvalidRequest), KindInvalidRequest},
		{"unparseable", ErrUnparseable, KindUnparseable},
		{"sandbox", &sandbox.Error{Op: "provision", ID: "p1", Err: errors.New("no python")}, KindSandbox},
		{"canceled", fmt.Errorf("run: %w", context.Canceled), KindCanceled},
		{"deadline", context.DeadlineExceeded, KindCanceled},
		{"other", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Kind(tt.err); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestIssues(t *testing.T) {
	err := fmt.Errorf("create: %w", &validate.Error{Issues: []validate.Issue{{Path: "a.py", Message: "x"}, {Path: "b.py", Message: "y"}}})
	if got := Issues(err); len(got) != 2 || got[1].Path != "b.py" {
		t.Errorf("expected both issues, got %+v", got)
	}
	if got := Issues(errors.New("plain")); got != nil {
		t.Errorf("expected no issues, got %+v", got)
	}
}
