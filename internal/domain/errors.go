package domain

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrNotActive      = errors.New("position not active")
	ErrLockHeld       = errors.New("lock already held")
	ErrStalePosition  = errors.New("position state stale on-chain")
	ErrTerminalRevert = errors.New("transaction reverted")
	ErrInvalidInput   = errors.New("invalid input")
)
