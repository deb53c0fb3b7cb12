package engine

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"watchkeeper/internal/config"
	"watchkeeper/internal/domain"
	"watchkeeper/internal/engine/auth"
	"watchkeeper/internal/events"
)

// StartReview moves a generated draft into IN_REVIEW.
func (e Engine) StartReview(ctx context.Context, actor auth.Actor, draftID string, expectVersion int) (d domain.Draft, err error) {
	defer func() { recordTransition("review", err) }()
	if err := e.authorize(actor, config.PermDraftReview); err != nil {
		return domain.Draft{}, err
	}
	ctx, tx, done, err := e.begin(ctx, "draft.review")
	if err != nil {
		return domain.Draft{}, err
	}
	defer done()
	d, err = e.loadDraftForActor(ctx, tx, actor, draftID, expectVersion)
	if err != nil {
		return d, err
	}
	if err := ensureDraftTransition(d.ID, d.State, domain.DraftStateInReview); err != nil {
		return d, err
	}
	from := d.State
	if d, err = e.casState(ctx, tx, d, domain.DraftStateInReview); err != nil {
		return d, err
	}
	if err := e.emit(ctx, tx, events.DraftReviewStarted, d.VesselID, "draft", d.ID, actor, events.EventPayload{"from": from, "to": d.State}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

// editableDraft loads the draft, requires IN_REVIEW and bumps its version so
// concurrent transitions see the change.
func (e Engine) editableDraft(ctx context.Context, tx *sql.Tx, actor auth.Actor, draftID string, expectVersion int) (domain.Draft, error) {
	d, err := e.loadDraftForActor(ctx, tx, actor, draftID, expectVersion)
	if err != nil {
		return d, err
	}
	if err := ensureEditable(d); err != nil {
		return d, err
	}
	return e.casState(ctx, tx, d, d.State)
}

// liveItem returns an item of the draft that has not been superseded.
func (e Engine) liveItem(ctx context.Context, tx *sql.Tx, draftID, itemID string) (domain.DraftItem, error) {
	it, err := e.Repo.GetItem(ctx, tx, itemID)
	if err != nil {
		return it, notFound("item", itemID, err)
	}
	if it.DraftID != draftID {
		return domain.DraftItem{}, NotFoundError{Kind: "item", ID: itemID}
	}
	if it.SupersededBy != nil {
		return it, ValidationError{Field: "item_id", Reason: "item " + itemID + " was replaced by " + *it.SupersededBy}
	}
	return it, nil
}

type EditRequest struct {
	Text          string
	Reason        string
	ExpectVersion int
}

// EditItem rewrites an item's summary text and records the edit. The item's
// classification and sources are not touched.
func (e Engine) EditItem(ctx context.Context, actor auth.Actor, draftID, itemID string, req EditRequest) (it domain.DraftItem, err error) {
	defer func() { recordTransition("edit", err) }()
	if err := e.authorize(actor, config.PermDraftReview); err != nil {
		return it, err
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return it, ValidationError{Field: "edited_text", Reason: "required"}
	}
	ctx, tx, done, err := e.begin(ctx, "draft.edit_item")
	if err != nil {
		return it, err
	}
	defer done()
	d, err := e.editableDraft(ctx, tx, actor, draftID, req.ExpectVersion)
	if err != nil {
		return it, err
	}
	it, err = e.liveItem(ctx, tx, draftID, itemID)
	if err != nil {
		return it, err
	}
	if it.SummaryText == text {
		return it, ValidationError{Field: "edited_text", Reason: "unchanged"}
	}
	edit := domain.DraftEdit{
		ID:           newID(),
		DraftID:      draftID,
		DraftItemID:  itemID,
		Kind:         domain.EditText,
		EditedBy:     actor.UserID,
		EditedAt:     d.LastModifiedAt,
		OriginalText: it.SummaryText,
		EditedText:   text,
		EditReason:   optionalString(strings.TrimSpace(req.Reason)),
	}
	if err := e.Repo.UpdateItemText(ctx, tx, itemID, text); err != nil {
		return it, err
	}
	if err := e.Repo.InsertEdit(ctx, tx, edit); err != nil {
		return it, err
	}
	if err := e.emit(ctx, tx, events.DraftItemEdited, d.VesselID, "draft", draftID, actor, events.EventPayload{"item_id": itemID, "edit_id": edit.ID}); err != nil {
		return it, err
	}
	if err := tx.Commit(); err != nil {
		return it, err
	}
	it.SummaryText = text
	return it, nil
}

type MergeRequest struct {
	ItemIDs       []string
	MergedText    string
	Reason        string
	ExpectVersion int
}

// MergeItems replaces two or more items of the same bucket and domain with
// one item carrying the union of their sources. The originals are kept,
// marked superseded, and each gets a merge edit record.
func (e Engine) MergeItems(ctx context.Context, actor auth.Actor, draftID string, req MergeRequest) (merged domain.DraftItem, err error) {
	defer func() { recordTransition("merge", err) }()
	if err := e.authorize(actor, config.PermDraftReview); err != nil {
		return merged, err
	}
	text := strings.TrimSpace(req.MergedText)
	if text == "" {
		return merged, ValidationError{Field: "merged_text", Reason: "required"}
	}
	ids := uniqueStrings(req.ItemIDs)
	if len(ids) < 2 {
		return merged, ValidationError{Field: "item_ids", Reason: "at least two distinct items are required"}
	}
	ctx, tx, done, err := e.begin(ctx, "draft.merge_items")
	if err != nil {
		return merged, err
	}
	defer done()
	d, err := e.editableDraft(ctx, tx, actor, draftID, req.ExpectVersion)
	if err != nil {
		return merged, err
	}
	originals := make([]domain.DraftItem, 0, len(ids))
	for _, id := range ids {
		it, err := e.liveItem(ctx, tx, draftID, id)
		if err != nil {
			return merged, err
		}
		if len(originals) > 0 && (it.SectionBucket != originals[0].SectionBucket || it.DomainCode != originals[0].DomainCode) {
			return merged, ValidationError{Field: "item_ids", Reason: "items must share section and domain"}
		}
		originals = append(originals, it)
	}

	merged = domain.DraftItem{
		ID:              newID(),
		DraftID:         draftID,
		SectionBucket:   originals[0].SectionBucket,
		DomainCode:      originals[0].DomainCode,
		SummaryText:     text,
		ConfidenceLevel: domain.ConfidenceHigh,
		ItemOrder:       originals[0].ItemOrder,
		CreatedAt:       d.LastModifiedAt,
	}
	var tags, derived []string
	for _, it := range originals {
		merged.SourceEntryIDs = append(merged.SourceEntryIDs, it.SourceEntryIDs...)
		derived = append(derived, it.DerivedItemIDs...)
		tags = append(tags, it.RiskTags...)
		merged.ConfidenceLevel = lowerConfidence(merged.ConfidenceLevel, it.ConfidenceLevel)
		if it.ItemOrder < merged.ItemOrder {
			merged.ItemOrder = it.ItemOrder
		}
	}
	merged.SourceEntryIDs = uniqueStrings(merged.SourceEntryIDs)
	merged.DerivedItemIDs = uniqueStrings(derived)
	merged.RiskTags = domain.NormalizeRiskTags(tags)
	merged.UncertaintyFlag = merged.ConfidenceLevel == domain.ConfidenceLow
	if err := e.Repo.InsertItem(ctx, tx, merged); err != nil {
		return merged, err
	}
	reason := optionalString(strings.TrimSpace(req.Reason))
	for _, it := range originals {
		ok, err := e.Repo.SupersedeItem(ctx, tx, it.ID, merged.ID)
		if err != nil {
			return merged, err
		}
		if !ok {
			return merged, ErrConcurrencyConflict
		}
		related := merged.ID
		if err := e.Repo.InsertEdit(ctx, tx, domain.DraftEdit{
			ID:           newID(),
			DraftID:      draftID,
			DraftItemID:  it.ID,
			Kind:         domain.EditMerge,
			EditedBy:     actor.UserID,
			EditedAt:     d.LastModifiedAt,
			OriginalText: it.SummaryText,
			EditedText:   text,
			EditReason:   reason,
			RelatedItem:  &related,
		}); err != nil {
			return merged, err
		}
	}
	if err := e.emit(ctx, tx, events.DraftItemsMerged, d.VesselID, "draft", draftID, actor, events.EventPayload{"item_ids": ids, "merged_item_id": merged.ID}); err != nil {
		return merged, err
	}
	if err := tx.Commit(); err != nil {
		return merged, err
	}
	return merged, nil
}

type SplitPartition struct {
	EntryIDs []string
	Text     string
}

type SplitRequest struct {
	Partitions    []SplitPartition
	Reason        string
	ExpectVersion int
}

// SplitItem undoes a merge: the item's sources are re-partitioned into new
// items, one per partition, placed where the original stood.
func (e Engine) SplitItem(ctx context.Context, actor auth.Actor, draftID, itemID string, req SplitRequest) (parts []domain.DraftItem, err error) {
	defer func() { recordTransition("split", err) }()
	if err := e.authorize(actor, config.PermDraftReview); err != nil {
		return nil, err
	}
	if len(req.Partitions) < 2 {
		return nil, ValidationError{Field: "partitions", Reason: "at least two partitions are required"}
	}
	for _, p := range req.Partitions {
		if len(p.EntryIDs) == 0 || strings.TrimSpace(p.Text) == "" {
			return nil, ValidationError{Field: "partitions", Reason: "each partition needs entry ids and text"}
		}
	}
	ctx, tx, done, err := e.begin(ctx, "draft.split_item")
	if err != nil {
		return nil, err
	}
	defer done()
	d, err := e.editableDraft(ctx, tx, actor, draftID, req.ExpectVersion)
	if err != nil {
		return nil, err
	}
	orig, err := e.liveItem(ctx, tx, draftID, itemID)
	if err != nil {
		return nil, err
	}
	if orig.SectionBucket == domain.BucketCommand {
		return nil, ValidationError{Field: "item_id", Reason: "command items cannot be split"}
	}
	if err := checkPartition(orig.SourceEntryIDs, req.Partitions); err != nil {
		return nil, err
	}

	n := len(req.Partitions)
	if err := e.Repo.ShiftItemOrder(ctx, tx, draftID, orig.SectionBucket, orig.ItemOrder+1, n-1); err != nil {
		return nil, err
	}
	reason := optionalString(strings.TrimSpace(req.Reason))
	for i, p := range req.Partitions {
		var tags []string
		for _, id := range p.EntryIDs {
			entry, err := e.Repo.GetEntry(ctx, tx, id)
			if err != nil {
				return nil, err
			}
			tags = append(tags, entry.RiskTags...)
		}
		tags = domain.NormalizeRiskTags(tags)
		if len(tags) == 0 {
			tags = orig.RiskTags
		}
		part := domain.DraftItem{
			ID:              newID(),
			DraftID:         draftID,
			SectionBucket:   orig.SectionBucket,
			DomainCode:      orig.DomainCode,
			SummaryText:     strings.TrimSpace(p.Text),
			SourceEntryIDs:  append([]string(nil), p.EntryIDs...),
			RiskTags:        tags,
			ConfidenceLevel: orig.ConfidenceLevel,
			ItemOrder:       orig.ItemOrder + i,
			UncertaintyFlag: orig.ConfidenceLevel == domain.ConfidenceLow,
			CreatedAt:       d.LastModifiedAt,
		}
		if err := e.Repo.InsertItem(ctx, tx, part); err != nil {
			return nil, err
		}
		related := part.ID
		if err := e.Repo.InsertEdit(ctx, tx, domain.DraftEdit{
			ID:           newID(),
			DraftID:      draftID,
			DraftItemID:  orig.ID,
			Kind:         domain.EditSplit,
			EditedBy:     actor.UserID,
			EditedAt:     d.LastModifiedAt,
			OriginalText: orig.SummaryText,
			EditedText:   part.SummaryText,
			EditReason:   reason,
			RelatedItem:  &related,
		}); err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}
	ok, err := e.Repo.SupersedeItem(ctx, tx, orig.ID, parts[0].ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConcurrencyConflict
	}
	partIDs := make([]string, len(parts))
	for i, p := range parts {
		partIDs[i] = p.ID
	}
	if err := e.emit(ctx, tx, events.DraftItemSplit, d.VesselID, "draft", draftID, actor, events.EventPayload{"item_id": orig.ID, "part_ids": partIDs}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return parts, nil
}

// checkPartition requires the partitions to cover sources exactly once.
func checkPartition(sources []string, partitions []SplitPartition) error {
	want := map[string]bool{}
	for _, id := range sources {
		want[id] = false
	}
	for _, p := range partitions {
		for _, id := range p.EntryIDs {
			used, ok := want[id]
			if !ok {
				return ValidationError{Field: "partitions", Reason: "entry " + id + " is not a source of this item"}
			}
			if used {
				return ValidationError{Field: "partitions", Reason: "entry " + id + " appears in more than one partition"}
			}
			want[id] = true
		}
	}
	for id, used := range want {
		if !used {
			return ValidationError{Field: "partitions", Reason: "entry " + id + " is missing from the partitions"}
		}
	}
	return nil
}

type ResolveRequest struct {
	Note          string
	ExpectVersion int
}

// ResolveItem records the reviewer's acceptance of a pre-merged or
// conflicting item and clears its conflict flag.
func (e Engine) ResolveItem(ctx context.Context, actor auth.Actor, draftID, itemID string, req ResolveRequest) (it domain.DraftItem, err error) {
	defer func() { recordTransition("resolve", err) }()
	if err := e.authorize(actor, config.PermDraftReview); err != nil {
		return it, err
	}
	ctx, tx, done, err := e.begin(ctx, "draft.resolve_item")
	if err != nil {
		return it, err
	}
	defer done()
	d, err := e.editableDraft(ctx, tx, actor, draftID, req.ExpectVersion)
	if err != nil {
		return it, err
	}
	it, err = e.liveItem(ctx, tx, draftID, itemID)
	if err != nil {
		return it, err
	}
	if !it.ConflictFlag {
		return it, ValidationError{Field: "item_id", Reason: "item has no conflict to resolve"}
	}
	if err := e.Repo.ClearItemConflict(ctx, tx, itemID); err != nil {
		return it, err
	}
	if err := e.Repo.InsertEdit(ctx, tx, domain.DraftEdit{
		ID:           newID(),
		DraftID:      draftID,
		DraftItemID:  itemID,
		Kind:         domain.EditResolve,
		EditedBy:     actor.UserID,
		EditedAt:     d.LastModifiedAt,
		OriginalText: it.SummaryText,
		EditedText:   it.SummaryText,
		EditReason:   optionalString(strings.TrimSpace(req.Note)),
	}); err != nil {
		return it, err
	}
	if err := e.emit(ctx, tx, events.DraftItemResolved, d.VesselID, "draft", draftID, actor, events.EventPayload{"item_id": itemID}); err != nil {
		return it, err
	}
	if err := tx.Commit(); err != nil {
		return it, err
	}
	it.ConflictFlag = false
	return it, nil
}

// Reopen withdraws an acceptance: ACCEPTED goes back to IN_REVIEW and the
// outgoing signature is cleared.
func (e Engine) Reopen(ctx context.Context, actor auth.Actor, draftID, reason string, expectVersion int) (d domain.Draft, err error) {
	defer func() { recordTransition("reopen", err) }()
	if err := e.authorize(actor, config.PermDraftReview); err != nil {
		return d, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return d, ValidationError{Field: "reason", Reason: "required"}
	}
	ctx, tx, done, err := e.begin(ctx, "draft.reopen")
	if err != nil {
		return d, err
	}
	defer done()
	d, err = e.loadDraftForActor(ctx, tx, actor, draftID, expectVersion)
	if err != nil {
		return d, err
	}
	if d.State != domain.DraftStateAccepted {
		err := InvalidTransitionError{Code: CodeInvalidTransition, DraftID: d.ID, From: d.State, To: domain.DraftStateInReview,
			Message: "Only an accepted handover can be reopened"}
		if d.State == domain.DraftStateSigned || d.State == domain.DraftStateExported {
			err.Message = "This handover has already been signed and cannot be changed"
		}
		return d, err
	}
	prior, err := e.Repo.GetSignoff(ctx, tx, d.ID)
	if err != nil {
		return d, err
	}
	if d, err = e.casState(ctx, tx, d, domain.DraftStateInReview); err != nil {
		return d, err
	}
	if err := e.Repo.SetOutgoing(ctx, tx, d.ID, "", ""); err != nil {
		return d, err
	}
	if err := e.emit(ctx, tx, events.DraftReopened, d.VesselID, "draft", d.ID, actor, events.EventPayload{
		"reason":            reason,
		"withdrawn_user_id": deref(prior.OutgoingUserID),
	}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

type SignatoryRequest struct {
	Outgoing      string
	Incoming      string
	ExpectVersion int
}

// DesignateSignatories names who may accept and who may sign. Only drafts
// that have not been accepted can change their signatories.
func (e Engine) DesignateSignatories(ctx context.Context, actor auth.Actor, draftID string, req SignatoryRequest) (d domain.Draft, err error) {
	if err := e.authorize(actor, config.PermDraftReview); err != nil {
		return d, err
	}
	if req.Outgoing == "" && req.Incoming == "" {
		return d, ValidationError{Field: "signatories", Reason: "outgoing or incoming is required"}
	}
	if req.Outgoing != "" && req.Outgoing == req.Incoming {
		return d, ValidationError{Field: "incoming", Reason: "must differ from the outgoing signatory"}
	}
	ctx, tx, done, err := e.begin(ctx, "draft.signatories")
	if err != nil {
		return d, err
	}
	defer done()
	d, err = e.loadDraftForActor(ctx, tx, actor, draftID, req.ExpectVersion)
	if err != nil {
		return d, err
	}
	if d.State != domain.DraftStateDraft && d.State != domain.DraftStateInReview {
		return d, InvalidTransitionError{Code: CodeDraftFrozen, DraftID: d.ID, From: d.State, Message: "Signatories can only change before the handover is accepted"}
	}
	outgoing, incoming := d.OutgoingSignatory, d.IncomingSignatory
	if req.Outgoing != "" {
		outgoing = &req.Outgoing
	}
	if req.Incoming != "" {
		incoming = &req.Incoming
	}
	if outgoing != nil && incoming != nil && *outgoing == *incoming {
		return d, ValidationError{Field: "incoming", Reason: "must differ from the outgoing signatory"}
	}
	at := e.stamp()
	ok, err := e.Repo.SetSignatories(ctx, tx, d.ID, d.State, d.Version, outgoing, incoming, at)
	if err != nil {
		return d, err
	}
	if !ok {
		return d, ErrConcurrencyConflict
	}
	d.OutgoingSignatory, d.IncomingSignatory = outgoing, incoming
	d.Version++
	d.LastModifiedAt = at
	if err := e.emit(ctx, tx, events.DraftSignatoriesAssigned, d.VesselID, "draft", d.ID, actor, events.EventPayload{
		"outgoing": deref(outgoing),
		"incoming": deref(incoming),
	}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

// ListEdits returns the draft's edit history, optionally for one item.
func (e Engine) ListEdits(ctx context.Context, actor auth.Actor, draftID, itemID string) ([]domain.DraftEdit, error) {
	if err := e.authorize(actor, config.PermDraftRead); err != nil {
		return nil, err
	}
	d, err := e.Repo.GetDraft(ctx, nil, draftID)
	if err != nil {
		return nil, notFound("draft", draftID, err)
	}
	if err := inVessel(actor, d.VesselID, "draft", draftID); err != nil {
		return nil, err
	}
	return e.Repo.ListEdits(ctx, draftID, itemID)
}

func uniqueStrings(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func sortedUnique(in []string) []string {
	out := uniqueStrings(in)
	sort.Strings(out)
	return out
}
