package services

import (
	"context"
	"errors"

	"coderoom/internal/models"
)

// Identity resolves a bearer token to the caller.
type Identity interface {
	Resolve(ctx context.Context, token string) (models.Identity, error)
}

var ErrValidation = errors.New("invalid request")
