package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")

	// ErrUnavailable rejects work the process can no longer accept.
	ErrUnavailable = errors.New("service unavailable")
)

var (
	// ErrRowLimitExceeded rejects uploads larger than the configured maximum.
	ErrRowLimitExceeded = fmt.Errorf("%w: row limit exceeded", ErrValidation)
	// ErrInvalidRow marks a row without a usable name or address.
	ErrInvalidRow = fmt.Errorf("%w: name and address are required", ErrValidation)
)
