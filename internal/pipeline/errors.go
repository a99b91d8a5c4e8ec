package pipeline

import (
	"context"
	"errors"

	"github.com/ppiankov/changegate/internal/deploy"
	"github.com/ppiankov/changegate/internal/gate"
	"github.com/ppiankov/changegate/internal/model"
	"github.com/ppiankov/changegate/internal/sandbox"
	"github.com/ppiankov/changegate/internal/store"
	"github.com/ppiankov/changegate/internal/validate"
)

// ErrorKind groups errors for the surfaces.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindSecurity       ErrorKind = "security"
	KindDeployment     ErrorKind = "deployment"
	KindTransition     ErrorKind = "transition"
	KindNotFound       ErrorKind = "not_found"
	KindSandbox        ErrorKind = "sandbox"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindUnparseable    ErrorKind = "unparseable"
	KindCanceled       ErrorKind = "canceled"
	KindInternal       ErrorKind = "internal"
)

// Kind classifies err. Deployment errors win over everything else since
// they may leave the live tree changed.
func Kind(err error) ErrorKind {
	var (
		depErr *deploy.Error
		valErr *validate.Error
		trErr  *model.TransitionError
		sbErr  *sandbox.Error
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &depErr), errors.Is(err, deploy.ErrDeploy):
		return KindDeployment
	case errors.Is(err, gate.ErrBlocked), errors.Is(err, gate.ErrOutputDiscarded):
		return KindSecurity
	case errors.As(err, &valErr):
		return KindValidation
	case errors.As(err, &trErr), errors.Is(err, model.ErrInvalidTransition):
		return KindTransition
	case errors.Is(err, store.ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrUnparseable):
		return KindUnparseable
	case errors.As(err, &sbErr):
		return KindSandbox
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindInternal
	}
}

// Issues returns the validator issues carried by err, if any.
func Issues(err error) []validate.Issue {
	var valErr *validate.Error
	if errors.As(err, &valErr) {
		return valErr.Issues
	}
	return nil
}
