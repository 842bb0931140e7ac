package models

// UpsertDeviceRequest is the body of PUT /v1/devices/{deviceId}.
type UpsertDeviceRequest struct {
	CountryCode string `json:"countryCode" validate:"required,iso3166_1_alpha2"`
}

// SetImeiRequest is the body of PUT /v1/devices/{deviceId}/imei.
type SetImeiRequest struct {
	IMEI string `json:"imei" validate:"required"`
}

// LinkSimRequest is the body of PUT /v1/devices/{deviceId}/sim and
// POST /v1/devices/{deviceId}/sim:replace.
type LinkSimRequest struct {
	SimID string `json:"simId" validate:"required,max=64"`
}

// UpsertSimRequest is the body of PUT /v1/sims/{simId}.
type UpsertSimRequest struct {
	CountryCode string `json:"countryCode" validate:"required,iso3166_1_alpha2"`
}

// Device is a registered endpoint.
type Device struct {
	ID           string     `json:"id"`
	CountryCode  string     `json:"countryCode"`
	IMEI         string     `json:"imei,omitempty"`
	SimID        string     `json:"simId,omitempty"`
	HealthStatus string     `json:"healthStatus"`
	LastSeenAt   *Timestamp `json:"lastSeenAt,omitempty"`
	Connected    bool       `json:"connected"`
	CreatedAt    Timestamp  `json:"createdAt"`
	UpdatedAt    Timestamp  `json:"updatedAt"`
	SIM          *SIM       `json:"sim,omitempty"`
}

// SIM is a registered SIM card.
type SIM struct {
	ID                string     `json:"id"`
	CountryCode       string     `json:"countryCode"`
	Status            string     `json:"status"`
	LastStatusCheckAt *Timestamp `json:"lastStatusCheckAt,omitempty"`
	BlockDetectedAt   *Timestamp `json:"blockDetectedAt,omitempty"`
	CreatedAt         Timestamp  `json:"createdAt"`
	UpdatedAt         Timestamp  `json:"updatedAt"`
}

// DeviceList is the body of GET /v1/devices.
type DeviceList struct {
	Items []Device `json:"items"`
	Meta  ListMeta `json:"meta"`
}

// SIMList is the body of GET /v1/sims.
type SIMList struct {
	Items []SIM    `json:"items"`
	Meta  ListMeta `json:"meta"`
}

// ImeiChange is one IMEI audit record.
type ImeiChange struct {
	OldIMEI   string    `json:"oldImei"`
	NewIMEI   string    `json:"newImei"`
	ChangedAt Timestamp `json:"changedAt"`
}

// ImeiHistory is the body of GET /v1/devices/{deviceId}/imei-history.
type ImeiHistory struct {
	DeviceID string       `json:"deviceId"`
	Items    []ImeiChange `json:"items"`
}
