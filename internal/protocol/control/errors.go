package control

import "errors"

var (
	ErrInvalidLength = errors.New("control: invalid length")
	ErrInvalidFlag   = errors.New("control: invalid flag byte")
	ErrEchoMismatch  = errors.New("control: echo payload mismatch")
)
