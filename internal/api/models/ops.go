package models

// Health is the body of the liveness and readiness endpoints.
type Health struct {
	Status  HealthStatus      `json:"status"`
	Time    Timestamp         `json:"time"`
	Details map[string]string `json:"details,omitempty"`
}

// SystemStatus is the body of GET /v1/ops/status.
type SystemStatus struct {
	Status    HealthStatus     `json:"status"`
	Time      Timestamp        `json:"time"`
	Queue     QueueStatus      `json:"queue"`
	Sessions  SessionStatus    `json:"sessions"`
	Monitor   *MonitorStatus   `json:"monitor,omitempty"`
	Providers []ProviderStatus `json:"providers"`
}

// QueueStatus summarises the dispatch queue.
type QueueStatus struct {
	Admitted map[string]int `json:"admitted"`
	Capacity map[string]int `json:"capacity"`
	Lanes    int            `json:"lanes"`
	InFlight int            `json:"inFlight"`
}

// SessionStatus summarises endpoint sessions.
type SessionStatus struct {
	Connected    int `json:"connected"`
	Reconnecting int `json:"reconnecting"`
	Lost         int `json:"lost"`
}

// MonitorStatus reports the last block and health monitor pass.
type MonitorStatus struct {
	Ticks          int64      `json:"ticks"`
	LastTickAt     *Timestamp `json:"lastTickAt,omitempty"`
	LastTickError  string     `json:"lastTickError,omitempty"`
	SimsChecked    int        `json:"simsChecked"`
	ProbeFailures  int        `json:"probeFailures"`
	BlockedSims    int        `json:"blockedSims"`
	OfflineDevices int        `json:"offlineDevices"`
	AlertsRaised   int64      `json:"alertsRaised"`
}

// ProviderStatus represents the status of an external collaborator.
type ProviderStatus struct {
	Provider      string       `json:"provider"`
	Status        HealthStatus `json:"status"`
	LastSuccessAt *Timestamp   `json:"lastSuccessAt,omitempty"`
	LastFailureAt *Timestamp   `json:"lastFailureAt,omitempty"`
	Message       string       `json:"message,omitempty"`
	Trips         int          `json:"trips"`
}
