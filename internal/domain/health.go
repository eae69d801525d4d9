package domain

import "time"

type HealthStatus string

const (
	HealthGreen  HealthStatus = "GREEN"
	HealthYellow HealthStatus = "YELLOW"
	HealthRed    HealthStatus = "RED"
)

func (s HealthStatus) rank() int {
	switch s {
	case HealthGreen:
		return 0
	case HealthYellow:
		return 1
	default:
		return 2
	}
}

// Worse returns the more severe of two statuses.
func (s HealthStatus) Worse(o HealthStatus) HealthStatus {
	if o.rank() > s.rank() {
		return o
	}
	return s
}

// StreamHealth is the observable state of one stream worker.
type StreamHealth struct {
	Account               string  `json:"account"`
	ThreadShutdown        bool    `json:"thread_shutdown"`
	ThreadTerminated      bool    `json:"thread_terminated"`
	Stopped               bool    `json:"stopped"`
	LastEventID           string  `json:"last_event_id"`
	SecondsSinceLastEvent float64 `json:"seconds_since_last_event"`
	ReconnectCount        int     `json:"reconnect_count"`
	RestartCount          int     `json:"restart_count"`
	LastError             string  `json:"last_error,omitempty"`
}

type HealthCheck struct {
	Status  HealthStatus   `json:"status"`
	Streams []StreamHealth `json:"streams"`
}

// HealthReport is the body of the health endpoint.
type HealthReport struct {
	Status         HealthStatus           `json:"status"`
	StartedAt      time.Time              `json:"started_at"`
	ElapsedTimeMS  int64                  `json:"elapsed_time_ms"`
	NumberOfChecks int                    `json:"number_of_checks"`
	Checks         map[string]HealthCheck `json:"checks"`
}
