package contract

import "errors"

var (
	ErrProvider      = errors.New("capability provider failed")
	ErrTextService   = errors.New("text service failed")
	ErrMemoryStore   = errors.New("memory store unavailable")
	ErrNoProviders   = errors.New("no capability providers registered")
	ErrValidation    = errors.New("validation failed")
	ErrSessionActive = errors.New("session already has an active run")
)
