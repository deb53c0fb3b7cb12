package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"watchkeeper/internal/domain"
)

const entryColumns = `id,vessel_id,created_at,created_by,created_by_role,primary_domain,secondary_domains_json,
presentation_bucket,suggested_owner_roles_json,risk_tags_json,classification_confidence,narrative_text,
source_refs_json,status,classification_flagged,confirmed_at,confirmed_by,dismiss_reason,updated_at`

func scanEntry(s scanner) (domain.Entry, error) {
	var (
		e                                  domain.Entry
		primary, bucket                    sql.NullString
		confirmedAt, confirmedBy, dismiss  sql.NullString
		secondary, owners, risks, refsJSON string
		score                              sql.NullFloat64
		flagged                            int
	)
	err := s.Scan(&e.ID, &e.VesselID, &e.CreatedAt, &e.CreatedBy.UserID, &e.CreatedBy.Role, &primary, &secondary,
		&bucket, &owners, &risks, &score, &e.NarrativeText,
		&refsJSON, &e.Status, &flagged, &confirmedAt, &confirmedBy, &dismiss, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.PrimaryDomain = stringPtr(primary)
	e.PresentationBucket = stringPtr(bucket)
	e.SecondaryDomains = fromJSONList(secondary)
	e.SuggestedOwnerRoles = fromJSONList(owners)
	e.RiskTags = fromJSONList(risks)
	if score.Valid {
		v := score.Float64
		e.ClassificationScore = &v
	}
	if refsJSON != "" {
		_ = json.Unmarshal([]byte(refsJSON), &e.SourceReferences)
	}
	e.ClassificationFlagged = flagged == 1
	e.ConfirmedAt = stringPtr(confirmedAt)
	e.ConfirmedBy = stringPtr(confirmedBy)
	e.DismissReason = stringPtr(dismiss)
	return e, nil
}

func (r Repo) InsertEntry(ctx context.Context, tx *sql.Tx, e domain.Entry) error {
	refs := "[]"
	if len(e.SourceReferences) > 0 {
		b, err := json.Marshal(e.SourceReferences)
		if err != nil {
			return err
		}
		refs = string(b)
	}
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO entries(`+entryColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.VesselID, e.CreatedAt, e.CreatedBy.UserID, e.CreatedBy.Role, nullableStringPtr(e.PrimaryDomain), toJSON(e.SecondaryDomains),
		nullableStringPtr(e.PresentationBucket), toJSON(e.SuggestedOwnerRoles), toJSON(e.RiskTags), nullableFloatPtr(e.ClassificationScore), e.NarrativeText,
		refs, e.Status, boolInt(e.ClassificationFlagged), nullableStringPtr(e.ConfirmedAt), nullableStringPtr(e.ConfirmedBy), nullableStringPtr(e.DismissReason), e.UpdatedAt)
	return err
}

func (r Repo) GetEntry(ctx context.Context, tx *sql.Tx, id string) (domain.Entry, error) {
	return scanEntry(r.on(tx).QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id=?`, id))
}

type EntryFilter struct {
	VesselID string
	Status   string
	// Since and Until bound created_at, inclusive.
	Since         string
	Until         string
	ConfirmedOnly bool
	Flagged       *bool
	Limit         int
}

// ListEntries returns entries oldest first.
func (r Repo) ListEntries(ctx context.Context, tx *sql.Tx, f EntryFilter) ([]domain.Entry, error) {
	clauses := []string{"vessel_id=?"}
	args := []any{f.VesselID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Since != "" {
		clauses = append(clauses, "created_at>=?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clauses = append(clauses, "created_at<=?")
		args = append(args, f.Until)
	}
	if f.ConfirmedOnly {
		clauses = append(clauses, "confirmed_at IS NOT NULL")
	}
	if f.Flagged != nil {
		clauses = append(clauses, "classification_flagged=?")
		args = append(args, boolInt(*f.Flagged))
	}
	query := `SELECT ` + entryColumns + ` FROM entries WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.on(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ConfirmEntry stamps confirmation on a candidate. Returns false when the
// entry is not a candidate.
func (r Repo) ConfirmEntry(ctx context.Context, tx *sql.Tx, id, by, at string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE entries SET confirmed_at=?, confirmed_by=?, updated_at=? WHERE id=? AND status='candidate'`, at, by, at, id)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

func (r Repo) DismissEntry(ctx context.Context, tx *sql.Tx, id, reason, at string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE entries SET status='suppressed', dismiss_reason=?, updated_at=? WHERE id=? AND status='candidate'`, reason, at, id)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

func (r Repo) FlagEntryClassification(ctx context.Context, tx *sql.Tx, id, at string) error {
	_, err := r.on(tx).ExecContext(ctx, `UPDATE entries SET classification_flagged=1, updated_at=? WHERE id=?`, at, id)
	return err
}

type EntryClassification struct {
	PrimaryDomain       string
	SecondaryDomains    []string
	PresentationBucket  string
	RiskTags            []string
	SuggestedOwnerRoles []string
	Confidence          float64
	// Flagged keeps the entry in triage after assignment.
	Flagged bool
}

// AssignClassification fills the classification of an entry that has none.
// Returns false when the entry is already classified.
func (r Repo) AssignClassification(ctx context.Context, tx *sql.Tx, id string, c EntryClassification, at string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE entries SET primary_domain=?, secondary_domains_json=?, presentation_bucket=?,
risk_tags_json=?, suggested_owner_roles_json=?, classification_confidence=?, classification_flagged=?, updated_at=?
WHERE id=? AND primary_domain IS NULL`,
		c.PrimaryDomain, toJSON(c.SecondaryDomains), c.PresentationBucket, toJSON(c.RiskTags), toJSON(c.SuggestedOwnerRoles),
		c.Confidence, boolInt(c.Flagged), at, id)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

// ResolveEntries marks candidates as resolved once their handover is signed.
func (r Repo) ResolveEntries(ctx context.Context, tx *sql.Tx, ids []string, at string) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{at}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := r.on(tx).ExecContext(ctx, `UPDATE entries SET status='resolved', updated_at=? WHERE status='candidate' AND id IN (`+placeholders(len(ids))+`)`, args...)
	return err
}

func (r Repo) InsertCorrection(ctx context.Context, tx *sql.Tx, c domain.ClassificationCorrection) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO classification_corrections(id,entry_id,requested_by,requested_domain,reason,created_at) VALUES (?,?,?,?,?,?)`,
		c.ID, c.EntryID, c.RequestedBy, nullableStringPtr(c.RequestedDomain), c.Reason, c.CreatedAt)
	return err
}

func (r Repo) ListCorrections(ctx context.Context, entryID string) ([]domain.ClassificationCorrection, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,entry_id,requested_by,requested_domain,reason,created_at FROM classification_corrections WHERE entry_id=? ORDER BY created_at ASC, id ASC`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ClassificationCorrection
	for rows.Next() {
		var c domain.ClassificationCorrection
		var requested sql.NullString
		if err := rows.Scan(&c.ID, &c.EntryID, &c.RequestedBy, &requested, &c.Reason, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.RequestedDomain = stringPtr(requested)
		res = append(res, c)
	}
	return res, rows.Err()
}
