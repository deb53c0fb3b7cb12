package domain

import "time"

// TimeLayout is the fixed-width UTC layout used for every stored timestamp so
// that lexical order matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders t in TimeLayout (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// Entry statuses.
const (
	EntryCandidate  = "candidate"
	EntrySuppressed = "suppressed"
	EntryResolved   = "resolved"
)

// Draft states.
const (
	DraftStateDraft    = "DRAFT"
	DraftStateInReview = "IN_REVIEW"
	DraftStateAccepted = "ACCEPTED"
	DraftStateSigned   = "SIGNED"
	DraftStateExported = "EXPORTED"
)

// Export formats.
const (
	ExportPDF   = "pdf"
	ExportHTML  = "html"
	ExportEmail = "email"
)

// Confidence levels.
const (
	ConfidenceLow    = "LOW"
	ConfidenceMedium = "MEDIUM"
	ConfidenceHigh   = "HIGH"
)

// Edit kinds recorded on DraftEdit.
const (
	EditText    = "edit"
	EditMerge   = "merge"
	EditSplit   = "split"
	EditResolve = "resolve"
)

type Author struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// SourceRef points at an external record (fault, work order, equipment, document, email or event).
type SourceRef struct {
	Kind string `json:"kind" enum:"fault,work_order,equipment,document,email,event"`
	ID   string `json:"id"`
}

type Entry struct {
	ID                    string      `json:"id"`
	VesselID              string      `json:"vessel_id"`
	CreatedAt             string      `json:"created_at" format:"date-time"`
	CreatedBy             Author      `json:"created_by"`
	PrimaryDomain         *string     `json:"primary_domain,omitempty"`
	SecondaryDomains      []string    `json:"secondary_domains,omitempty"`
	PresentationBucket    *string     `json:"presentation_bucket,omitempty"`
	SuggestedOwnerRoles   []string    `json:"suggested_owner_roles,omitempty"`
	RiskTags              []string    `json:"risk_tags,omitempty"`
	ClassificationScore   *float64    `json:"classification_confidence,omitempty"`
	NarrativeText         string      `json:"narrative_text"`
	SourceReferences      []SourceRef `json:"source_references,omitempty"`
	Status                string      `json:"status" enum:"candidate,suppressed,resolved"`
	ClassificationFlagged bool        `json:"classification_flagged"`
	ConfirmedAt           *string     `json:"confirmed_at,omitempty" format:"date-time"`
	ConfirmedBy           *string     `json:"confirmed_by,omitempty"`
	DismissReason         *string     `json:"dismiss_reason,omitempty"`
	UpdatedAt             string      `json:"updated_at" format:"date-time"`
}

// Classified reports whether the entry carries a primary domain.
func (e Entry) Classified() bool {
	return e.PrimaryDomain != nil && *e.PrimaryDomain != ""
}

type ClassificationCorrection struct {
	ID              string  `json:"id"`
	EntryID         string  `json:"entry_id"`
	RequestedBy     string  `json:"requested_by"`
	RequestedDomain *string `json:"requested_domain,omitempty"`
	Reason          string  `json:"reason"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

type Draft struct {
	ID                string         `json:"id"`
	VesselID          string         `json:"vessel_id"`
	PeriodStart       string         `json:"period_start" format:"date-time"`
	PeriodEnd         string         `json:"period_end" format:"date-time"`
	GeneratedAt       string         `json:"generated_at" format:"date-time"`
	GeneratedBy       string         `json:"generated_by"`
	State             string         `json:"state" enum:"DRAFT,IN_REVIEW,ACCEPTED,SIGNED,EXPORTED"`
	Version           int            `json:"version"`
	OutgoingSignatory *string        `json:"outgoing_signatory,omitempty"`
	IncomingSignatory *string        `json:"incoming_signatory,omitempty"`
	LastModifiedAt    string         `json:"last_modified_at" format:"date-time"`
	Sections          []DraftSection `json:"sections,omitempty"`
	Signoff           *Signoff       `json:"signoff,omitempty"`
}

// Active reports whether the draft still blocks a new generation for its vessel.
func (d Draft) Active() bool {
	switch d.State {
	case DraftStateDraft, DraftStateInReview, DraftStateAccepted:
		return true
	}
	return false
}

type DraftSection struct {
	ID           string      `json:"id"`
	DraftID      string      `json:"draft_id"`
	BucketName   string      `json:"bucket_name"`
	SectionOrder int         `json:"section_order"`
	Items        []DraftItem `json:"items"`
}

type DraftItem struct {
	ID              string   `json:"id"`
	DraftID         string   `json:"draft_id"`
	SectionBucket   string   `json:"section_bucket"`
	DomainCode      string   `json:"domain_code"`
	SummaryText     string   `json:"summary_text"`
	SourceEntryIDs  []string `json:"source_entry_ids"`
	DerivedItemIDs  []string `json:"derived_item_ids,omitempty"`
	RiskTags        []string `json:"risk_tags"`
	ConfidenceLevel string   `json:"confidence_level" enum:"LOW,MEDIUM,HIGH"`
	ItemOrder       int      `json:"item_order"`
	ConflictFlag    bool     `json:"conflict_flag"`
	UncertaintyFlag bool     `json:"uncertainty_flag"`
	SupersededBy    *string  `json:"superseded_by,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
}

type DraftEdit struct {
	ID           string  `json:"id"`
	DraftID      string  `json:"draft_id"`
	DraftItemID  string  `json:"draft_item_id"`
	Kind         string  `json:"kind" enum:"edit,merge,split,resolve"`
	EditedBy     string  `json:"edited_by"`
	EditedAt     string  `json:"edited_at" format:"date-time"`
	OriginalText string  `json:"original_text"`
	EditedText   string  `json:"edited_text"`
	EditReason   *string `json:"edit_reason,omitempty"`
	RelatedItem  *string `json:"related_item_id,omitempty"`
}

type Signoff struct {
	ID               string  `json:"id"`
	DraftID          string  `json:"draft_id"`
	OutgoingUserID   *string `json:"outgoing_user_id,omitempty"`
	OutgoingSignedAt *string `json:"outgoing_signed_at,omitempty" format:"date-time"`
	IncomingUserID   *string `json:"incoming_user_id,omitempty"`
	IncomingSignedAt *string `json:"incoming_signed_at,omitempty" format:"date-time"`
	DocumentHash     *string `json:"document_hash,omitempty"`
	SnapshotPath     *string `json:"snapshot_path,omitempty"`
}

type Export struct {
	ID             string   `json:"id"`
	DraftID        string   `json:"draft_id"`
	ExportType     string   `json:"export_type" enum:"pdf,html,email"`
	StoragePath    string   `json:"storage_path"`
	ExportedBy     string   `json:"exported_by"`
	ExportedAt     string   `json:"exported_at" format:"date-time"`
	Recipients     []string `json:"recipients,omitempty"`
	DocumentHash   string   `json:"document_hash"`
	IdempotencyKey string   `json:"idempotency_key"`
}

type DeliveryAttempt struct {
	ID          string  `json:"id"`
	ExportID    string  `json:"export_id"`
	Attempt     int     `json:"attempt"`
	Status      string  `json:"status" enum:"sent,failed"`
	Error       *string `json:"error,omitempty"`
	RequestedBy string  `json:"requested_by"`
	AttemptedAt string  `json:"attempted_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	VesselID   string `json:"vessel_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	VesselID  string `json:"vessel_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at"`
}
