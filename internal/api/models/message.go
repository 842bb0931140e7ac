package models

// SubmitMessageRequest is the body of POST /v1/messages.
type SubmitMessageRequest struct {
	DeviceID       string `json:"deviceId" validate:"required,max=64"`
	Priority       string `json:"priority" validate:"omitempty,oneof=HIGH NORMAL LOW"`
	Text           string `json:"text" validate:"required,max=1600"`
	SourceLanguage string `json:"sourceLanguage" validate:"omitempty,bcp47_language_tag"`
	TargetLanguage string `json:"targetLanguage" validate:"omitempty,bcp47_language_tag"`
}

// Message is a gateway message with its delivery history.
type Message struct {
	ID             string     `json:"id"`
	DeviceID       string     `json:"deviceId"`
	Direction      string     `json:"direction"`
	Priority       string     `json:"priority"`
	Text           string     `json:"text"`
	SourceLanguage string     `json:"sourceLanguage,omitempty"`
	TargetLanguage string     `json:"targetLanguage,omitempty"`
	TranslatedText *string    `json:"translatedText,omitempty"`
	Downgraded     bool       `json:"downgraded"`
	State          string     `json:"state"`
	Reason         string     `json:"reason,omitempty"`
	AttemptCount   int        `json:"attemptCount"`
	Attempts       []Attempt  `json:"attempts"`
	CreatedAt      Timestamp  `json:"createdAt"`
	UpdatedAt      Timestamp  `json:"updatedAt"`
	LastAttemptAt  *Timestamp `json:"lastAttemptAt,omitempty"`
	NextAttemptAt  *Timestamp `json:"nextAttemptAt,omitempty"`
}

// Attempt is one delivery attempt.
type Attempt struct {
	Number int       `json:"number"`
	At     Timestamp `json:"at"`
	Result string    `json:"result"`
	Error  string    `json:"error,omitempty"`
}

// MessageList is the body of GET /v1/messages/dead-letters.
type MessageList struct {
	Items []Message `json:"items"`
	Meta  ListMeta  `json:"meta"`
}

// PurgeResult is the body of POST /v1/devices/{deviceId}/queue:purge.
type PurgeResult struct {
	DeviceID string `json:"deviceId"`
	Purged   int    `json:"purged"`
}
