package event

import "maps"

// Metadata carries optional, kind-typed context about an event's origin.
type Metadata struct {
	// Principal is the acting identity when it differs from the owning user,
	// for example an external service acting on a user's behalf.
	Principal string `json:"principal,omitempty"`

	// IdempotencyKey deduplicates retried mutation requests. When empty the
	// pipeline derives one from the payload.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`

	AI     *AIProvenance     `json:"ai,omitempty"`
	Import *ImportProvenance `json:"import,omitempty"`
	Sync   *SyncContext      `json:"sync,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// AIProvenance describes an agent-produced change.
type AIProvenance struct {
	Agent            string  `json:"agent"`
	Confidence       float64 `json:"confidence,omitempty"`
	ExtractionSource string  `json:"extractionSource,omitempty"`
	Model            string  `json:"model,omitempty"`
}

// ImportProvenance describes a change replayed from another system.
type ImportProvenance struct {
	System     string `json:"system"`
	BatchID    string `json:"batchId,omitempty"`
	ExternalID string `json:"externalId,omitempty"`
}

// SyncContext describes a change produced by a syncing device.
type SyncContext struct {
	DeviceID      string `json:"deviceId"`
	ClientVersion string `json:"clientVersion,omitempty"`
	Clock         int64  `json:"clock,omitempty"`
}

// Metadata kinds.
const (
	MetadataKindAI     = "ai"
	MetadataKindImport = "import"
	MetadataKindSync   = "sync"
)

// Kind returns the provenance kind present, or "" when none is set.
func (m *Metadata) Kind() string {
	switch {
	case m == nil:
		return ""
	case m.AI != nil:
		return MetadataKindAI
	case m.Import != nil:
		return MetadataKindImport
	case m.Sync != nil:
		return MetadataKindSync
	}
	return ""
}

// Clone returns a deep copy.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	out := *m
	if m.AI != nil {
		ai := *m.AI
		out.AI = &ai
	}
	if m.Import != nil {
		imp := *m.Import
		out.Import = &imp
	}
	if m.Sync != nil {
		s := *m.Sync
		out.Sync = &s
	}
	out.Extra = maps.Clone(m.Extra)
	return &out
}
