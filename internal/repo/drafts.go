package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"watchkeeper/internal/domain"
)

const draftColumns = `id,vessel_id,period_start,period_end,generated_at,generated_by,state,version,outgoing_signatory,incoming_signatory,last_modified_at`

func scanDraft(s scanner) (domain.Draft, error) {
	var d domain.Draft
	var outgoing, incoming sql.NullString
	err := s.Scan(&d.ID, &d.VesselID, &d.PeriodStart, &d.PeriodEnd, &d.GeneratedAt, &d.GeneratedBy, &d.State, &d.Version, &outgoing, &incoming, &d.LastModifiedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.OutgoingSignatory = stringPtr(outgoing)
	d.IncomingSignatory = stringPtr(incoming)
	return d, nil
}

func (r Repo) InsertDraft(ctx context.Context, tx *sql.Tx, d domain.Draft) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO drafts(`+draftColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.VesselID, d.PeriodStart, d.PeriodEnd, d.GeneratedAt, d.GeneratedBy, d.State, d.Version,
		nullableStringPtr(d.OutgoingSignatory), nullableStringPtr(d.IncomingSignatory), d.LastModifiedAt)
	return err
}

// GetDraft returns the draft row without sections.
func (r Repo) GetDraft(ctx context.Context, tx *sql.Tx, id string) (domain.Draft, error) {
	return scanDraft(r.on(tx).QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id=?`, id))
}

// ActiveDraft returns the vessel's non-terminal draft, if any.
func (r Repo) ActiveDraft(ctx context.Context, tx *sql.Tx, vesselID string) (domain.Draft, error) {
	return scanDraft(r.on(tx).QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts
WHERE vessel_id=? AND state IN ('DRAFT','IN_REVIEW','ACCEPTED') ORDER BY generated_at DESC LIMIT 1`, vesselID))
}

type DraftFilter struct {
	VesselID string
	State    string
	Limit    int
}

// ListDrafts returns drafts newest first.
func (r Repo) ListDrafts(ctx context.Context, f DraftFilter) ([]domain.Draft, error) {
	clauses := []string{"vessel_id=?"}
	args := []any{f.VesselID}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	query := `SELECT ` + draftColumns + ` FROM drafts WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY generated_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// CompareAndSetState moves a draft from (from, version) to (to, version+1).
// It reports false when the stored state or version no longer matches.
func (r Repo) CompareAndSetState(ctx context.Context, tx *sql.Tx, id, from, to string, version int, at string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE drafts SET state=?, version=version+1, last_modified_at=? WHERE id=? AND state=? AND version=?`,
		to, at, id, from, version)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

// SetSignatories replaces the designated signatories under the same
// compare-and-set rules as CompareAndSetState.
func (r Repo) SetSignatories(ctx context.Context, tx *sql.Tx, id, state string, version int, outgoing, incoming *string, at string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE drafts SET outgoing_signatory=?, incoming_signatory=?, version=version+1, last_modified_at=?
WHERE id=? AND state=? AND version=?`,
		nullableStringPtr(outgoing), nullableStringPtr(incoming), at, id, state, version)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

func (r Repo) InsertSection(ctx context.Context, tx *sql.Tx, s domain.DraftSection) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO draft_sections(id,draft_id,bucket_name,section_order) VALUES (?,?,?,?)`,
		s.ID, s.DraftID, s.BucketName, s.SectionOrder)
	return err
}

func (r Repo) ListSections(ctx context.Context, tx *sql.Tx, draftID string) ([]domain.DraftSection, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT id,draft_id,bucket_name,section_order FROM draft_sections WHERE draft_id=? ORDER BY section_order ASC`, draftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DraftSection
	for rows.Next() {
		var s domain.DraftSection
		if err := rows.Scan(&s.ID, &s.DraftID, &s.BucketName, &s.SectionOrder); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

const itemColumns = `id,draft_id,section_bucket,domain_code,summary_text,source_entry_ids_json,derived_item_ids_json,risk_tags_json,
confidence_level,item_order,conflict_flag,uncertainty_flag,superseded_by,created_at`

func scanItem(s scanner) (domain.DraftItem, error) {
	var (
		it                      domain.DraftItem
		sources, derived, risks string
		conflict, uncertain     int
		supersededBy            sql.NullString
	)
	err := s.Scan(&it.ID, &it.DraftID, &it.SectionBucket, &it.DomainCode, &it.SummaryText, &sources, &derived, &risks,
		&it.ConfidenceLevel, &it.ItemOrder, &conflict, &uncertain, &supersededBy, &it.CreatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	it.SourceEntryIDs = fromJSONList(sources)
	it.DerivedItemIDs = fromJSONList(derived)
	it.RiskTags = fromJSONList(risks)
	it.ConflictFlag = conflict == 1
	it.UncertaintyFlag = uncertain == 1
	it.SupersededBy = stringPtr(supersededBy)
	return it, nil
}

var errEmptySources = errors.New("draft item requires at least one source entry")

func (r Repo) InsertItem(ctx context.Context, tx *sql.Tx, it domain.DraftItem) error {
	if len(it.SourceEntryIDs) == 0 {
		return errEmptySources
	}
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO draft_items(`+itemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.DraftID, it.SectionBucket, it.DomainCode, it.SummaryText, toJSON(it.SourceEntryIDs), toJSON(it.DerivedItemIDs), toJSON(it.RiskTags),
		it.ConfidenceLevel, it.ItemOrder, boolInt(it.ConflictFlag), boolInt(it.UncertaintyFlag), nullableStringPtr(it.SupersededBy), it.CreatedAt)
	return err
}

func (r Repo) GetItem(ctx context.Context, tx *sql.Tx, id string) (domain.DraftItem, error) {
	return scanItem(r.on(tx).QueryRowContext(ctx, `SELECT `+itemColumns+` FROM draft_items WHERE id=?`, id))
}

// ListItems returns every item of a draft, superseded ones included, in
// presentation order.
func (r Repo) ListItems(ctx context.Context, tx *sql.Tx, draftID string) ([]domain.DraftItem, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+itemColumns+` FROM draft_items WHERE draft_id=? ORDER BY section_bucket, item_order ASC, id ASC`, draftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DraftItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) UpdateItemText(ctx context.Context, tx *sql.Tx, id, text string) error {
	_, err := r.on(tx).ExecContext(ctx, `UPDATE draft_items SET summary_text=? WHERE id=? AND superseded_by IS NULL`, text, id)
	return err
}

// SupersedeItem retires an item in favour of the items that replace it.
func (r Repo) SupersedeItem(ctx context.Context, tx *sql.Tx, id, by string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE draft_items SET superseded_by=? WHERE id=? AND superseded_by IS NULL`, by, id)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

func (r Repo) ClearItemConflict(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := r.on(tx).ExecContext(ctx, `UPDATE draft_items SET conflict_flag=0 WHERE id=?`, id)
	return err
}

// ShiftItemOrder moves live items at or after position in a bucket down by n
// to make room for inserted items.
func (r Repo) ShiftItemOrder(ctx context.Context, tx *sql.Tx, draftID, bucket string, position, n int) error {
	_, err := r.on(tx).ExecContext(ctx, `UPDATE draft_items SET item_order=item_order+? WHERE draft_id=? AND section_bucket=? AND item_order>=? AND superseded_by IS NULL`,
		n, draftID, bucket, position)
	return err
}

func (r Repo) CountUnresolvedConflicts(ctx context.Context, tx *sql.Tx, draftID string) (int, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT count(*) FROM draft_items WHERE draft_id=? AND superseded_by IS NULL AND conflict_flag=1`, draftID).Scan(&n)
	return n, err
}

func (r Repo) InsertEdit(ctx context.Context, tx *sql.Tx, e domain.DraftEdit) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO draft_edits(id,draft_id,draft_item_id,kind,edited_by,edited_at,original_text,edited_text,edit_reason,related_item_id)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.DraftID, e.DraftItemID, e.Kind, e.EditedBy, e.EditedAt, e.OriginalText, e.EditedText, nullableStringPtr(e.EditReason), nullableStringPtr(e.RelatedItem))
	return err
}

func (r Repo) ListEdits(ctx context.Context, draftID, itemID string) ([]domain.DraftEdit, error) {
	query := `SELECT id,draft_id,draft_item_id,kind,edited_by,edited_at,original_text,edited_text,edit_reason,related_item_id FROM draft_edits WHERE draft_id=?`
	args := []any{draftID}
	if itemID != "" {
		query += ` AND draft_item_id=?`
		args = append(args, itemID)
	}
	query += ` ORDER BY edited_at ASC, rowid ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DraftEdit
	for rows.Next() {
		var e domain.DraftEdit
		var reason, related sql.NullString
		if err := rows.Scan(&e.ID, &e.DraftID, &e.DraftItemID, &e.Kind, &e.EditedBy, &e.EditedAt, &e.OriginalText, &e.EditedText, &reason, &related); err != nil {
			return nil, err
		}
		e.EditReason = stringPtr(reason)
		e.RelatedItem = stringPtr(related)
		res = append(res, e)
	}
	return res, rows.Err()
}

// LoadDraft returns the draft with its sections, every item (superseded
// included) and its signoff.
func (r Repo) LoadDraft(ctx context.Context, tx *sql.Tx, id string) (domain.Draft, error) {
	d, err := r.GetDraft(ctx, tx, id)
	if err != nil {
		return d, err
	}
	sections, err := r.ListSections(ctx, tx, id)
	if err != nil {
		return d, err
	}
	items, err := r.ListItems(ctx, tx, id)
	if err != nil {
		return d, err
	}
	byBucket := map[string][]domain.DraftItem{}
	for _, it := range items {
		byBucket[it.SectionBucket] = append(byBucket[it.SectionBucket], it)
	}
	for i := range sections {
		sections[i].Items = byBucket[sections[i].BucketName]
		if sections[i].Items == nil {
			sections[i].Items = []domain.DraftItem{}
		}
	}
	d.Sections = sections
	so, err := r.GetSignoff(ctx, tx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return d, err
	}
	if err == nil {
		d.Signoff = &so
	}
	return d, nil
}
