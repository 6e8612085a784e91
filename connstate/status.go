// Package connstate owns the observable connectivity status, driven by
// periodic health probes and reachability signals.
package connstate

// Status is the process-wide connectivity status.
type Status string

const (
	// StatusDisconnected means no usable backend connection exists.
	StatusDisconnected Status = "disconnected"

	// StatusConnecting means a probe or connection attempt is in flight.
	StatusConnecting Status = "connecting"

	// StatusConnected means the most recent health probe fully succeeded.
	StatusConnected Status = "connected"

	// StatusDegraded means the transport works but the last probe failed
	// while connected (e.g. backend up, database down).
	StatusDegraded Status = "degraded"
)

// Code returns a stable numeric encoding for metrics gauges.
func (s Status) Code() int {
	switch s {
	case StatusConnecting:
		return 1
	case StatusConnected:
		return 2
	case StatusDegraded:
		return 3
	default:
		return 0
	}
}
