package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid handshake status transition")
	ErrStageFailure      = errors.New("pipeline stage failed")
	ErrRetryExhausted    = errors.New("pipeline stage retries exhausted")
	ErrRateLimited       = errors.New("notification rate limited")
	ErrInvalidRule       = errors.New("invalid alert rule")
	ErrInvalidChannel    = errors.New("invalid notification channel")
)

// StageError — ошибка внешнего вызова внутри конкретной попытки стадии.
// Всегда привязана к handshake и компоненту, чтобы счётчики ошибок сходились с реальностью.
type StageError struct {
	Stage       string
	HandshakeID string
	Component   string
	Attempt     int
	Err         error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed on %s (handshake %s, attempt %d): %v",
		e.Stage, e.Component, e.HandshakeID, e.Attempt, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func (e *StageError) Is(target error) bool { return target == ErrStageFailure }

// RetryExhaustedError возвращается вызывающему только после исчерпания попыток.
type RetryExhaustedError struct {
	Stage       string
	HandshakeID string // handshake первой попытки
	Component   string
	Attempts    int
	Err         error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("stage %s on %s exhausted %d attempts (origin handshake %s): %v",
		e.Stage, e.Component, e.Attempts, e.HandshakeID, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

func (e *RetryExhaustedError) Is(target error) bool { return target == ErrRetryExhausted }
