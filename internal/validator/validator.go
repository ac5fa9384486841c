// Package validator probes pooled sessions against their platform
// before a job is handed to a worker, so dead cookies are weeded out at
// allocation time instead of mid-scrape.
package validator

import (
	"context"

	"cookiepool/internal/registry"
	"cookiepool/pkg/config"
	errs "cookiepool/pkg/errors"
	"cookiepool/pkg/logger"
	"cookiepool/pkg/models"
)

// Result is the outcome of a validation probe. A probe that ran and
// rejected the session is not an error: Valid is false and Reason
// carries the classification.
type Result struct {
	Valid  bool
	Reason errs.ErrorType
	Detail string
	// ExpectedCount is the comment count the probe observed on the
	// target post, when the platform exposes one. Zero means unknown.
	ExpectedCount int
}

// Validator checks that a session still authenticates against its
// platform.
type Validator interface {
	Validate(ctx context.Context, sess *registry.Session, postURL string) (*Result, error)
}

// New returns the validator for a platform. Platforms without a cheap
// probe endpoint get a passthrough that accepts every session.
func New(platform models.Platform, cfg *config.Config, log logger.Logger) Validator {
	switch platform {
	case models.PlatformInstagram:
		return newInstagramValidator(cfg, log)
	default:
		return passthrough{}
	}
}

type passthrough struct{}

func (passthrough) Validate(ctx context.Context, sess *registry.Session, postURL string) (*Result, error) {
	return &Result{Valid: true}, nil
}
