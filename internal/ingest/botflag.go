// Package ingest consumes raw inbound event records from the durable log,
// normalizes them (identity resolution, PII hashing, bot flagging, ML
// feature extraction), and appends them to the event store at-least-once.
package ingest

import (
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/sendflowr/timing-engine/internal/domain"
)

const instantOpenThreshold = 2 * time.Second

var (
	appleMailUA = regexp.MustCompile(`AppleWebKit.*Mail/`)
	genericBots = regexp.MustCompile(`(?i)bot|crawler|spider`)

	// Known mailbox-provider scanner ranges: Apple's privacy proxy and
	// Google's image proxy fleets.
	scannerRanges = mustParseCIDRs(
		"17.0.0.0/8",
		"66.102.0.0/16",
		"66.249.0.0/16",
	)
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, ipnet)
	}
	return out
}

// FlagBot inspects one event and marks it suspected when it looks like a
// mailbox scanner rather than a human. Flags only annotate metadata; flagged
// rows are stored and excluded later at feature computation.
func FlagBot(e *domain.Event, now time.Time) {
	var reasons []string

	if e.EventType == domain.EventOpened && now.Sub(e.Timestamp) < instantOpenThreshold {
		reasons = append(reasons, "instant_open")
	}
	if appleMailUA.MatchString(e.Metadata.UserAgent) {
		reasons = append(reasons, "apple_mail_privacy_proxy")
	}
	if ip := net.ParseIP(strings.TrimSpace(e.Metadata.IPAddress)); ip != nil {
		for _, r := range scannerRanges {
			if r.Contains(ip) {
				reasons = append(reasons, "scanner_ip_range")
				break
			}
		}
	}
	if genericBots.MatchString(e.Metadata.UserAgent) {
		reasons = append(reasons, "bot_user_agent")
	}

	if len(reasons) > 0 {
		e.Metadata.SuspectedBot = true
		e.Metadata.BotReasons = reasons
	}
}
