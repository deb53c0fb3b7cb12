package server

import (
	"encoding/json"

	"watchkeeper/internal/domain"
)

// Request payloads

type ClassificationHint struct {
	PrimaryDomain    string   `json:"primary_domain"`
	SecondaryDomains []string `json:"secondary_domains,omitempty"`
	RiskTags         []string `json:"risk_tags,omitempty"`
	Confidence       float64  `json:"confidence,omitempty"`
}

type CreateEntryRequest struct {
	NarrativeText    string              `json:"narrative_text"`
	SourceReferences []domain.SourceRef  `json:"source_references,omitempty"`
	Classification   *ClassificationHint `json:"classification,omitempty"`
}

type DismissEntryRequest struct {
	Reason string `json:"reason,omitempty"`
}

type FlagClassificationRequest struct {
	RequestedDomain string `json:"requested_domain,omitempty"`
	Reason          string `json:"reason"`
}

type ClassifyEntryRequest struct {
	PrimaryDomain    string   `json:"primary_domain,omitempty" doc:"Omit to run the classifier again"`
	SecondaryDomains []string `json:"secondary_domains,omitempty"`
	RiskTags         []string `json:"risk_tags,omitempty"`
}

type GenerateDraftRequest struct {
	OutgoingUserID string `json:"outgoing_user_id,omitempty"`
	IncomingUserID string `json:"incoming_user_id,omitempty"`
}

type VersionedRequest struct {
	ExpectedVersion int `json:"expected_version,omitempty" doc:"Reject with concurrency_conflict when the draft moved on"`
}

type EditItemRequest struct {
	EditedText      string `json:"edited_text"`
	EditReason      string `json:"edit_reason,omitempty"`
	ExpectedVersion int    `json:"expected_version,omitempty"`
}

type MergeItemsRequest struct {
	ItemIDs         []string `json:"item_ids"`
	MergedText      string   `json:"merged_text"`
	Reason          string   `json:"reason,omitempty"`
	ExpectedVersion int      `json:"expected_version,omitempty"`
}

type SplitPartitionRequest struct {
	EntryIDs []string `json:"entry_ids"`
	Text     string   `json:"text"`
}

type SplitItemRequest struct {
	Partitions      []SplitPartitionRequest `json:"partitions"`
	Reason          string                  `json:"reason,omitempty"`
	ExpectedVersion int                     `json:"expected_version,omitempty"`
}

type ResolveItemRequest struct {
	Note            string `json:"note,omitempty"`
	ExpectedVersion int    `json:"expected_version,omitempty"`
}

type SignatoriesRequest struct {
	OutgoingUserID  string `json:"outgoing_user_id"`
	IncomingUserID  string `json:"incoming_user_id"`
	ExpectedVersion int    `json:"expected_version,omitempty"`
}

type ConfirmRequest struct {
	Confirm         bool `json:"confirm"`
	ExpectedVersion int  `json:"expected_version,omitempty"`
}

type ReopenRequest struct {
	Reason          string `json:"reason"`
	ExpectedVersion int    `json:"expected_version,omitempty"`
}

type ExportRequest struct {
	ExportType     string   `json:"export_type" enum:"pdf,html,email"`
	Recipients     []string `json:"recipients,omitempty"`
	Regenerate     bool     `json:"regenerate,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

type DevLoginRequest struct {
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	VesselID string `json:"vessel_id"`
}

// Response payloads

type EntryResponse struct {
	domain.Entry
	ClassificationPending bool `json:"classification_pending"`
}

type DraftResponse struct {
	domain.Draft
	Created bool `json:"created"`
}

type ExportResponse struct {
	Export   domain.Export           `json:"export"`
	Created  bool                    `json:"created"`
	Delivery *domain.DeliveryAttempt `json:"delivery,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	VesselID   string         `json:"vessel_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	UserID      string   `json:"user_id"`
	Role        string   `json:"role"`
	VesselID    string   `json:"vessel_id"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		VesselID:   e.VesselID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
