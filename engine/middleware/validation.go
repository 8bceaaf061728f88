package middleware

import (
	"context"

	"github.com/stagegraph/flowengine/engine"
)

// InputValidator checks the pipeline's input before any stage runs,
// returning an error to abort if it is unacceptable.
type InputValidator func(ctx context.Context, ec *engine.Context) error

// Validation runs a chain of InputValidators in OnPipelineStart,
// aborting at the first failure — the §4.4 pre-condition-enforcement
// middleware, grounded on the general "Before" hook shape of
// commbus/middleware.go but operating on pipeline input rather than
// per-message payloads.
func Validation(validators ...InputValidator) *engine.Middleware {
	return &engine.Middleware{
		Name: "validation",
		OnPipelineStart: func(ctx context.Context, ec *engine.Context) error {
			for _, v := range validators {
				if err := v(ctx, ec); err != nil {
					return engine.NewError(engine.ErrValidationFailed, "", err)
				}
			}
			return nil
		},
	}
}
