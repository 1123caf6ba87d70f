// Package identity resolves heterogeneous recipient identifiers to a single
// stable Universal ID, idempotently and with an auditable derivation.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/nyaruka/phonenumbers"

	"github.com/sendflowr/timing-engine/internal/domain"
)

// RawIdentifiers is the caller-facing identifier set for one subject.
// Email and phone are deterministic keys; the rest are probabilistic.
type RawIdentifiers struct {
	Email             string `json:"email,omitempty"`
	Phone             string `json:"phone,omitempty"`
	KlaviyoID         string `json:"klaviyo_id,omitempty"`
	ShopifyCustomerID string `json:"shopify_customer_id,omitempty"`
	EspUserID         string `json:"esp_user_id,omitempty"`
	IPDeviceSignature string `json:"ip_device_signature,omitempty"`
}

// Empty reports whether no identifier was supplied.
func (r RawIdentifiers) Empty() bool {
	return r.Email == "" && r.Phone == "" && r.KlaviyoID == "" &&
		r.ShopifyCustomerID == "" && r.EspUserID == "" && r.IPDeviceSignature == ""
}

// HashEmail lowercases, trims, and SHA-256 hashes an email address. The
// plain address never leaves this function's caller.
func HashEmail(email string) string {
	normalized := strings.ToLower(strings.TrimSpace(email))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// NormalizePhone reformats a phone number to E.164 using defaultRegion when
// the number carries no country prefix. Numbers libphonenumber cannot parse
// fall back to a digits-with-plus form so resolution stays lenient.
func NormalizePhone(phone, defaultRegion string) string {
	if defaultRegion == "" {
		defaultRegion = "US"
	}
	parsed, err := phonenumbers.Parse(phone, defaultRegion)
	if err == nil && phonenumbers.IsValidNumber(parsed) {
		return phonenumbers.Format(parsed, phonenumbers.E164)
	}
	var digits strings.Builder
	for _, c := range phone {
		if c >= '0' && c <= '9' {
			digits.WriteRune(c)
		}
	}
	if digits.Len() == 0 {
		return ""
	}
	return "+" + digits.String()
}

// Normalize converts the raw set into typed identifiers, hashing the email
// and E.164-formatting the phone. Order follows the fixed resolution
// priority: deterministic types first, then probabilistic by weight.
func (r RawIdentifiers) Normalize(defaultRegion string) []domain.Identifier {
	var out []domain.Identifier
	if r.Email != "" {
		out = append(out, domain.Identifier{Type: domain.TypeEmailHash, Value: HashEmail(r.Email)})
	}
	if r.Phone != "" {
		if v := NormalizePhone(r.Phone, defaultRegion); v != "" {
			out = append(out, domain.Identifier{Type: domain.TypePhoneNumber, Value: v})
		}
	}
	pass := []struct {
		t domain.IdentifierType
		v string
	}{
		{domain.TypeKlaviyoID, r.KlaviyoID},
		{domain.TypeShopifyCustomerID, r.ShopifyCustomerID},
		{domain.TypeEspUserID, r.EspUserID},
		{domain.TypeIPDeviceSignature, r.IPDeviceSignature},
	}
	for _, p := range pass {
		if p.v != "" {
			out = append(out, domain.Identifier{Type: p.t, Value: p.v})
		}
	}
	return out
}

// truncate shortens identifier values for audit steps and logs.
func truncate(v string, n int) string {
	if len(v) <= n {
		return v
	}
	return v[:n]
}
