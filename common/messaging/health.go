package messaging

import (
	"context"
	"time"
)

// HealthChecker can check the health of a messaging connection.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// RTTer reports the broker round-trip time.
type RTTer interface {
	RTT() (time.Duration, error)
}

// HealthStatus represents the health state of a messaging connection.
type HealthStatus struct {
	Connected bool          `json:"connected"`
	Latency   time.Duration `json:"latency_ms"`
	Error     string        `json:"error,omitempty"`
}

// CheckClientHealth reports connectivity and, when the client supports it,
// round-trip latency to the broker.
func CheckClientHealth(client Client) HealthStatus {
	status := HealthStatus{}

	if client == nil {
		status.Error = "client is nil"
		return status
	}

	status.Connected = client.IsConnected()
	if !status.Connected {
		status.Error = "not connected to message broker"
		return status
	}

	if r, ok := client.(RTTer); ok {
		rtt, err := r.RTT()
		if err != nil {
			status.Error = "rtt: " + err.Error()
			return status
		}
		status.Latency = rtt
	}

	return status
}
