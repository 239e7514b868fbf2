package model

import (
	"errors"
)

var (
	ErrStoreClosed   = errors.New("store closed")
	ErrSinkClosed    = errors.New("sink closed")
	ErrUnknownProbe  = errors.New("unknown probe")
	ErrUnknownFormat = errors.New("unknown output format")
	ErrNoMatch       = errors.New("no match")
	ErrCorruptState  = errors.New("corrupt progress state")
	ErrInvalidTarget = errors.New("invalid target")
)
