package domain

import "time"

// EventType enumerates engagement event types stored in the event store.
type EventType string

const (
	EventSent         EventType = "sent"
	EventDelivered    EventType = "delivered"
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventBounced      EventType = "bounced"
	EventComplained   EventType = "complained"
	EventUnsubscribed EventType = "unsubscribed"

	// Hot-path signals
	EventSiteVisit       EventType = "site_visit"
	EventSmsClick        EventType = "sms_click"
	EventProductView     EventType = "product_view"
	EventCartAdd         EventType = "cart_add"
	EventSearchPerformed EventType = "search_performed"

	// Circuit breakers
	EventSupportTicket      EventType = "support_ticket"
	EventComplaint          EventType = "complaint"
	EventUnsubscribeRequest EventType = "unsubscribe_request"
	EventSpamReport         EventType = "spam_report"
)

// EventMetadata carries auxiliary flags for an event. Bot flags live here,
// never in typed columns.
type EventMetadata struct {
	SuspectedBot bool     `json:"suspected_bot,omitempty"`
	BotReasons   []string `json:"bot_reasons,omitempty"`
	UserAgent    string   `json:"user_agent,omitempty"`
	IPAddress    string   `json:"ip_address,omitempty"`
	Provider     string   `json:"provider,omitempty"`
}

// Event is an immutable engagement event row keyed by
// (esp, universal_id, timestamp, event_type). The plain recipient email is
// never stored; only its SHA-256 hash survives ingestion.
type Event struct {
	EventID            string        `json:"event_id"`
	ESP                string        `json:"esp"`
	UniversalID        string        `json:"universal_id"`
	EventType          EventType     `json:"event_type"`
	Timestamp          time.Time     `json:"timestamp"`
	RecipientEmailHash string        `json:"recipient_email_hash,omitempty"`
	CampaignID         string        `json:"campaign_id,omitempty"`
	Metadata           EventMetadata `json:"metadata,omitempty"`

	// Latency training features, extracted from metadata at ingest.
	// All nullable.
	LatencySeconds     *float64   `json:"latency_seconds,omitempty"`
	SendTime           *time.Time `json:"send_time,omitempty"`
	HourOfDay          *int       `json:"hour_of_day,omitempty"`
	Minute             *int       `json:"minute,omitempty"`
	DayOfWeek          *int       `json:"day_of_week,omitempty"`
	CampaignType       *string    `json:"campaign_type,omitempty"`
	PayloadSizeBytes   *int64     `json:"payload_size_bytes,omitempty"`
	QueueDepthEstimate *int64     `json:"queue_depth_estimate,omitempty"`
}

// ContextSignal is an ephemeral real-time signal consumed by the decision
// engine (hot paths and circuit breakers), drawn from the event store by
// event-type filter and recency window.
type ContextSignal struct {
	UniversalID string    `json:"universal_id"`
	EventType   EventType `json:"event_type"`
	Timestamp   time.Time `json:"timestamp"`
	Weight      *float64  `json:"weight,omitempty"`
	Provider    string    `json:"provider,omitempty"`
}

// EngagementCounters summarizes recency and frequency of opens and clicks.
type EngagementCounters struct {
	ClickCount1d  int        `json:"click_count_1d"`
	ClickCount7d  int        `json:"click_count_7d"`
	ClickCount30d int        `json:"click_count_30d"`
	OpenCount1d   int        `json:"open_count_1d"`
	OpenCount7d   int        `json:"open_count_7d"`
	OpenCount30d  int        `json:"open_count_30d"`
	FirstClickTs  *time.Time `json:"first_click_ts,omitempty"`
	LastClickTs   *time.Time `json:"last_click_ts,omitempty"`
	FirstOpenTs   *time.Time `json:"first_open_ts,omitempty"`
	LastOpenTs    *time.Time `json:"last_open_ts,omitempty"`
}
