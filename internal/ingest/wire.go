package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sendflowr/timing-engine/internal/domain"
	"github.com/sendflowr/timing-engine/internal/identity"
)

// rawEvent is the inbound wire format: snake_case JSON with ISO-8601 UTC
// timestamps. Only event_id, event_type, and timestamp are required.
type rawEvent struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	Timestamp      string          `json:"timestamp"`
	ESP            string          `json:"esp"`
	CampaignID     string          `json:"campaign_id"`
	RecipientEmail string          `json:"recipient_email"`
	Identifiers    rawIdentifiers `json:"identifiers"`
	Metadata       rawMetadata    `json:"metadata"`
}

type rawIdentifiers struct {
	Phone             string `json:"phone,omitempty"`
	KlaviyoID         string `json:"klaviyo_id,omitempty"`
	ShopifyCustomerID string `json:"shopify_customer_id,omitempty"`
	EspUserID         string `json:"esp_user_id,omitempty"`
	IPDeviceSignature string `json:"ip_device_signature,omitempty"`
}

type rawMetadata struct {
	UserAgent string `json:"user_agent,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	Provider  string `json:"provider,omitempty"`

	LatencySeconds     *float64 `json:"latency_seconds,omitempty"`
	SendTime           *string  `json:"send_time,omitempty"`
	HourOfDay          *int     `json:"hour_of_day,omitempty"`
	Minute             *int     `json:"minute,omitempty"`
	DayOfWeek          *int     `json:"day_of_week,omitempty"`
	CampaignType       *string  `json:"campaign_type,omitempty"`
	PayloadSizeBytes   *int64   `json:"payload_size_bytes,omitempty"`
	QueueDepthEstimate *int64   `json:"queue_depth_estimate,omitempty"`
}

// parseRaw deserializes and validates one wire message. Errors here are
// poison: the record can never succeed and goes straight to the DLQ.
func parseRaw(value []byte) (*rawEvent, time.Time, error) {
	var raw rawEvent
	if err := json.Unmarshal(value, &raw); err != nil {
		return nil, time.Time{}, domain.Wrap(domain.KindInvalidInput, err, "deserialize event")
	}
	if raw.EventID == "" {
		return nil, time.Time{}, domain.E(domain.KindInvalidInput, "event_id is required")
	}
	if raw.EventType == "" {
		return nil, time.Time{}, domain.E(domain.KindInvalidInput, "event_type is required")
	}
	if raw.Timestamp == "" {
		return nil, time.Time{}, domain.E(domain.KindInvalidInput, "timestamp is required")
	}
	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return nil, time.Time{}, domain.Wrap(domain.KindInvalidInput, err, "timestamp %q", raw.Timestamp)
	}
	return &raw, ts, nil
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format")
}

// identifiers assembles the resolver input from the payload email and the
// platform identifiers carried in the message.
func (r *rawEvent) identifiers() identity.RawIdentifiers {
	return identity.RawIdentifiers{
		Email:             r.RecipientEmail,
		Phone:             r.Identifiers.Phone,
		KlaviyoID:         r.Identifiers.KlaviyoID,
		ShopifyCustomerID: r.Identifiers.ShopifyCustomerID,
		EspUserID:         r.Identifiers.EspUserID,
		IPDeviceSignature: r.Identifiers.IPDeviceSignature,
	}
}

// toEvent builds the normalized event row. The plain recipient email is
// hashed here and never leaves this function unhashed.
func (r *rawEvent) toEvent(ts time.Time, universalID string) domain.Event {
	e := domain.Event{
		EventID:     r.EventID,
		ESP:         r.ESP,
		UniversalID: universalID,
		EventType:   domain.EventType(r.EventType),
		Timestamp:   ts,
		CampaignID:  r.CampaignID,
		Metadata: domain.EventMetadata{
			UserAgent: r.Metadata.UserAgent,
			IPAddress: r.Metadata.IPAddress,
			Provider:  r.Metadata.Provider,
		},
		LatencySeconds:     r.Metadata.LatencySeconds,
		HourOfDay:          r.Metadata.HourOfDay,
		Minute:             r.Metadata.Minute,
		DayOfWeek:          r.Metadata.DayOfWeek,
		CampaignType:       r.Metadata.CampaignType,
		PayloadSizeBytes:   r.Metadata.PayloadSizeBytes,
		QueueDepthEstimate: r.Metadata.QueueDepthEstimate,
	}
	if r.RecipientEmail != "" {
		e.RecipientEmailHash = identity.HashEmail(r.RecipientEmail)
	}
	if r.Metadata.SendTime != nil {
		if st, err := parseTimestamp(*r.Metadata.SendTime); err == nil {
			e.SendTime = &st
		}
	}
	return e
}

// dlqPayload is the dead-letter envelope.
type dlqPayload struct {
	Error         string    `json:"error"`
	OriginalKey   string    `json:"original_key"`
	OriginalValue string    `json:"original_value"`
	Partition     int       `json:"partition"`
	Offset        int64     `json:"offset"`
	IngestedAt    time.Time `json:"ingested_at"`
}
