package service

import (
	"errors"

	"secmon/internal/notify"
)

var (
	// ErrValidation is returned before any side effect for malformed input.
	ErrValidation = errors.New("validation error")
	// ErrStore wraps a failed write to the system of record.
	ErrStore = errors.New("store error")
	// ErrChannelUnavailable is only ever logged; Send never returns it.
	ErrChannelUnavailable = notify.ErrChannelUnavailable
)
