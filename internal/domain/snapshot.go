package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// SnapshotFormat versions the canonical serialization below. Changing the
// shape of Snapshot requires a new format number.
const SnapshotFormat = 1

// Snapshot is the frozen content of a signed draft. Its canonical JSON form
// is what document_hash is computed over and what exports render from.
type Snapshot struct {
	Format      int               `json:"format"`
	DraftID     string            `json:"draft_id"`
	VesselID    string            `json:"vessel_id"`
	PeriodStart string            `json:"period_start"`
	PeriodEnd   string            `json:"period_end"`
	GeneratedAt string            `json:"generated_at"`
	GeneratedBy string            `json:"generated_by"`
	Outgoing    SnapshotSignature `json:"outgoing"`
	Incoming    SnapshotSignature `json:"incoming"`
	Sections    []SnapshotSection `json:"sections"`
}

type SnapshotSignature struct {
	UserID   string `json:"user_id"`
	SignedAt string `json:"signed_at"`
}

type SnapshotSection struct {
	Bucket string         `json:"bucket"`
	Order  int            `json:"order"`
	Items  []SnapshotItem `json:"items"`
}

type SnapshotItem struct {
	ID              string   `json:"id"`
	DomainCode      string   `json:"domain_code"`
	SummaryText     string   `json:"summary_text"`
	SourceEntryIDs  []string `json:"source_entry_ids"`
	DerivedItemIDs  []string `json:"derived_item_ids"`
	RiskTags        []string `json:"risk_tags"`
	ConfidenceLevel string   `json:"confidence_level"`
	Order           int      `json:"order"`
	ConflictFlag    bool     `json:"conflict_flag"`
	UncertaintyFlag bool     `json:"uncertainty_flag"`
}

// NewSnapshot freezes a draft with its sections, live items and signoff.
// Superseded items are left out; ordering is by section then item order.
func NewSnapshot(d Draft, s Signoff) Snapshot {
	snap := Snapshot{
		Format:      SnapshotFormat,
		DraftID:     d.ID,
		VesselID:    d.VesselID,
		PeriodStart: d.PeriodStart,
		PeriodEnd:   d.PeriodEnd,
		GeneratedAt: d.GeneratedAt,
		GeneratedBy: d.GeneratedBy,
		Outgoing:    SnapshotSignature{UserID: deref(s.OutgoingUserID), SignedAt: deref(s.OutgoingSignedAt)},
		Incoming:    SnapshotSignature{UserID: deref(s.IncomingUserID), SignedAt: deref(s.IncomingSignedAt)},
		Sections:    []SnapshotSection{},
	}
	sections := append([]DraftSection(nil), d.Sections...)
	sort.SliceStable(sections, func(i, j int) bool { return sections[i].SectionOrder < sections[j].SectionOrder })
	for _, sec := range sections {
		out := SnapshotSection{Bucket: sec.BucketName, Order: sec.SectionOrder, Items: []SnapshotItem{}}
		items := append([]DraftItem(nil), sec.Items...)
		sort.SliceStable(items, func(i, j int) bool {
			if items[i].ItemOrder != items[j].ItemOrder {
				return items[i].ItemOrder < items[j].ItemOrder
			}
			return items[i].ID < items[j].ID
		})
		for _, it := range items {
			if it.SupersededBy != nil {
				continue
			}
			out.Items = append(out.Items, SnapshotItem{
				ID:              it.ID,
				DomainCode:      it.DomainCode,
				SummaryText:     it.SummaryText,
				SourceEntryIDs:  sortedCopy(it.SourceEntryIDs),
				DerivedItemIDs:  sortedCopy(it.DerivedItemIDs),
				RiskTags:        nonNil(it.RiskTags),
				ConfidenceLevel: it.ConfidenceLevel,
				Order:           it.ItemOrder,
				ConflictFlag:    it.ConflictFlag,
				UncertaintyFlag: it.UncertaintyFlag,
			})
		}
		snap.Sections = append(snap.Sections, out)
	}
	return snap
}

// Canonical returns the byte form that is hashed and stored.
func (s Snapshot) Canonical() ([]byte, error) {
	return json.Marshal(s)
}

// HashBytes returns the lowercase hex SHA-256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Hash returns the canonical bytes and their SHA-256.
func (s Snapshot) Hash() ([]byte, string, error) {
	b, err := s.Canonical()
	if err != nil {
		return nil, "", err
	}
	return b, HashBytes(b), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func sortedCopy(in []string) []string {
	out := append([]string{}, in...)
	sort.Strings(out)
	return out
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
