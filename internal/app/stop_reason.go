package app

// StopReason is logged on shutdown.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopRestart    StopReason = "scheduled_restart"
	StopFatalError StopReason = "fatal_error"
)
