package core

import (
	"errors"
	"time"
)

// Accept loop tuning
const (
	sweepInterval        = 50 * time.Millisecond // upper bound on poller waits
	eventBatch           = 256
	monitorInterval      = 10 * time.Second
	poolOptimizeInterval = 30 * time.Second
)

// Engine lifecycle errors
var (
	ErrServerClosed     = errors.New("engine: server closed")
	ErrNotListening     = errors.New("engine: Serve called before Listen")
	ErrAlreadyListening = errors.New("engine: already listening")
	ErrAlreadyServing   = errors.New("engine: already serving")
)
