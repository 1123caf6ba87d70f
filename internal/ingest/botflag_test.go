package ingest

import (
	"testing"
	"time"

	"github.com/sendflowr/timing-engine/internal/domain"
)

func TestFlagBot(t *testing.T) {
	now := time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		event   domain.Event
		reasons []string
	}{
		{
			name: "instant open",
			event: domain.Event{
				EventType: domain.EventOpened,
				Timestamp: now.Add(-time.Second),
			},
			reasons: []string{"instant_open"},
		},
		{
			name: "open after threshold is clean",
			event: domain.Event{
				EventType: domain.EventOpened,
				Timestamp: now.Add(-10 * time.Second),
			},
		},
		{
			name: "instant click is not flagged",
			event: domain.Event{
				EventType: domain.EventClicked,
				Timestamp: now.Add(-time.Second),
			},
		},
		{
			name: "apple mail privacy proxy ua",
			event: domain.Event{
				EventType: domain.EventOpened,
				Timestamp: now.Add(-time.Hour),
				Metadata:  domain.EventMetadata{UserAgent: "Mozilla/5.0 AppleWebKit/605.1.15 (KHTML, like Gecko) Mail/3654"},
			},
			reasons: []string{"apple_mail_privacy_proxy"},
		},
		{
			name: "apple scanner ip",
			event: domain.Event{
				EventType: domain.EventClicked,
				Timestamp: now.Add(-time.Hour),
				Metadata:  domain.EventMetadata{IPAddress: "17.58.100.1"},
			},
			reasons: []string{"scanner_ip_range"},
		},
		{
			name: "google proxy ip",
			event: domain.Event{
				EventType: domain.EventClicked,
				Timestamp: now.Add(-time.Hour),
				Metadata:  domain.EventMetadata{IPAddress: "66.249.80.10"},
			},
			reasons: []string{"scanner_ip_range"},
		},
		{
			name: "residential ip is clean",
			event: domain.Event{
				EventType: domain.EventClicked,
				Timestamp: now.Add(-time.Hour),
				Metadata:  domain.EventMetadata{IPAddress: "93.184.216.34"},
			},
		},
		{
			name: "generic crawler ua case-insensitive",
			event: domain.Event{
				EventType: domain.EventClicked,
				Timestamp: now.Add(-time.Hour),
				Metadata:  domain.EventMetadata{UserAgent: "MegaCorp-CRAWLER/2.1"},
			},
			reasons: []string{"bot_user_agent"},
		},
		{
			name: "multiple reasons stack",
			event: domain.Event{
				EventType: domain.EventOpened,
				Timestamp: now.Add(-time.Second),
				Metadata: domain.EventMetadata{
					UserAgent: "Googlebot/2.1",
					IPAddress: "66.102.1.1",
				},
			},
			reasons: []string{"instant_open", "scanner_ip_range", "bot_user_agent"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := tt.event
			FlagBot(&e, now)
			if want := len(tt.reasons) > 0; e.Metadata.SuspectedBot != want {
				t.Fatalf("suspected = %v, want %v (reasons %v)", e.Metadata.SuspectedBot, want, e.Metadata.BotReasons)
			}
			if len(e.Metadata.BotReasons) != len(tt.reasons) {
				t.Fatalf("reasons = %v, want %v", e.Metadata.BotReasons, tt.reasons)
			}
			for i, r := range tt.reasons {
				if e.Metadata.BotReasons[i] != r {
					t.Errorf("reasons[%d] = %s, want %s", i, e.Metadata.BotReasons[i], r)
				}
			}
		})
	}
}
