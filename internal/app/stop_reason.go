package app

// StopReason names why the process is going down. It only feeds the final
// log lines and the systemd stopping notification.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)
