package handler

import (
	"github.com/simgate/simgate/internal/api/models"
	"github.com/simgate/simgate/internal/device"
	"github.com/simgate/simgate/internal/message"
)

func byPriority(in map[message.Priority]int) map[string]int {
	out := make(map[string]int, len(in))
	for p, n := range in {
		out[p.String()] = n
	}
	return out
}

func toDevice(d *device.Device) models.Device {
	return models.Device{
		ID:           d.ID,
		CountryCode:  d.CountryCode,
		IMEI:         d.IMEI,
		SimID:        d.SimID,
		HealthStatus: string(d.HealthStatus),
		LastSeenAt:   models.TimestampPtr(d.LastSeenAt),
		CreatedAt:    models.Timestamp(d.CreatedAt),
		UpdatedAt:    models.Timestamp(d.UpdatedAt),
	}
}

func toSIM(s *device.SIM) models.SIM {
	return models.SIM{
		ID:                s.ID,
		CountryCode:       s.CountryCode,
		Status:            string(s.Status),
		LastStatusCheckAt: models.TimestampPtr(s.LastStatusCheckAt),
		BlockDetectedAt:   models.TimestampPtr(s.BlockDetectedAt),
		CreatedAt:         models.Timestamp(s.CreatedAt),
		UpdatedAt:         models.Timestamp(s.UpdatedAt),
	}
}

func toMessage(m *message.Message) models.Message {
	out := models.Message{
		ID:             m.ID,
		DeviceID:       m.DeviceID,
		Direction:      string(m.Direction),
		Priority:       m.Priority.String(),
		Text:           m.Payload.Text,
		SourceLanguage: m.Payload.SourceLanguage,
		TargetLanguage: m.Payload.TargetLanguage,
		TranslatedText: m.TranslatedPayload,
		Downgraded:     m.Downgraded,
		State:          string(m.State),
		Reason:         string(m.Reason),
		AttemptCount:   m.AttemptCount,
		Attempts:       make([]models.Attempt, len(m.Attempts)),
		CreatedAt:      models.Timestamp(m.CreatedAt),
		UpdatedAt:      models.Timestamp(m.UpdatedAt),
		LastAttemptAt:  models.TimestampPtr(m.LastAttemptAt),
		NextAttemptAt:  models.TimestampPtr(m.NextAttemptAt),
	}
	for i, a := range m.Attempts {
		out.Attempts[i] = models.Attempt{
			Number: a.Number,
			At:     models.Timestamp(a.At),
			Result: string(a.Result),
			Error:  a.Error,
		}
	}
	return out
}
