package domain

import "time"

// IdentifierType enumerates the kinds of identifiers that can be bound to a
// recipient. Deterministic types always resolve with weight 1.0;
// probabilistic types carry a default weight below 1.0.
type IdentifierType string

const (
	// Deterministic
	TypeEmailHash   IdentifierType = "email_hash"
	TypePhoneNumber IdentifierType = "phone_number"

	// Probabilistic
	TypeKlaviyoID         IdentifierType = "klaviyo_id"
	TypeShopifyCustomerID IdentifierType = "shopify_customer_id"
	TypeEspUserID         IdentifierType = "esp_user_id"
	TypeIPDeviceSignature IdentifierType = "ip_device_signature"

	// Internal
	TypeUniversalID IdentifierType = "universal_id"
)

// Deterministic reports whether a match on this identifier type is exact.
func (t IdentifierType) Deterministic() bool {
	return t == TypeEmailHash || t == TypePhoneNumber
}

// DeterministicPriority is the fixed lookup order for deterministic types.
var DeterministicPriority = []IdentifierType{TypeEmailHash, TypePhoneNumber}

// ProbabilisticPriority is the fixed lookup order for probabilistic types,
// highest default weight first.
var ProbabilisticPriority = []IdentifierType{
	TypeKlaviyoID,
	TypeShopifyCustomerID,
	TypeEspUserID,
	TypeIPDeviceSignature,
}

// DefaultIdentifierWeights returns the built-in default weight per type.
// Deterministic types are 1.0; probabilistic weights can be overridden
// through configuration.
func DefaultIdentifierWeights() map[IdentifierType]float64 {
	return map[IdentifierType]float64{
		TypeEmailHash:         1.0,
		TypePhoneNumber:       1.0,
		TypeKlaviyoID:         0.95,
		TypeShopifyCustomerID: 0.90,
		TypeEspUserID:         0.85,
		TypeIPDeviceSignature: 0.50,
		TypeUniversalID:       1.0,
	}
}

// Identifier is a tagged (type, value) pair. Values are opaque strings.
type Identifier struct {
	Type  IdentifierType `json:"type"`
	Value string         `json:"value"`
}

// IdentityEdge is an undirected relation between two identifiers. The edge
// is deterministic (weight 1.0) if either endpoint is a deterministic type.
type IdentityEdge struct {
	A         Identifier `json:"a"`
	B         Identifier `json:"b"`
	Weight    float64    `json:"weight"`
	Source    string     `json:"source"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ResolutionCacheEntry maps a single identifier to its Universal ID.
// Confidence is the minimum edge weight along the derivation path, or 1.0
// for direct deterministic hits.
type ResolutionCacheEntry struct {
	Identifier  Identifier `json:"identifier"`
	UniversalID string     `json:"universal_id"`
	Confidence  float64    `json:"confidence"`
	LastSeen    time.Time  `json:"last_seen"`
	CreatedAt   time.Time  `json:"created_at"`
}

// AuditRecord is one append-only step in a resolution derivation. The
// concatenation of records sharing a ResolutionID reconstructs how a
// Universal ID was assigned.
type AuditRecord struct {
	ResolutionID    string         `json:"resolution_id"`
	UniversalID     string         `json:"universal_id"`
	InputIdentifier string         `json:"input_identifier"`
	InputType       IdentifierType `json:"input_type"`
	Step            string         `json:"step"`
	Confidence      float64        `json:"confidence"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Resolution is the outcome of resolving a set of identifiers.
type Resolution struct {
	ResolutionID string   `json:"resolution_id"`
	UniversalID  string   `json:"universal_id"`
	Confidence   float64  `json:"confidence"`
	Steps        []string `json:"steps"`
	Synthesized  bool     `json:"synthesized"`
}
