package ncp

import "time"

const (
	defaultCommandTimeout   = 3 * time.Second
	defaultProcedureTimeout = 30 * time.Second
	defaultConnectTimeout   = 10 * time.Second
	defaultBootTimeout      = 10 * time.Second

	// Reset attempts before the module is declared dead.
	maxBootAttempts = 3

	frameQueueSize  = 16
	subQueueSize    = 64
	notifyQueueSize = 64
)
