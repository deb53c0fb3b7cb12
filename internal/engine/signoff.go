package engine

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"watchkeeper/internal/config"
	"watchkeeper/internal/domain"
	"watchkeeper/internal/engine/auth"
	"watchkeeper/internal/events"
)

var errNoBlobStore = errors.New("engine has no blob store configured")

// Accept records the outgoing signature and freezes the draft's items.
// The caller must be the designated outgoing signatory, or hold an outgoing
// role when none is designated, and confirm explicitly.
func (e Engine) Accept(ctx context.Context, actor auth.Actor, draftID string, confirm bool, expectVersion int) (d domain.Draft, err error) {
	defer func() { recordTransition("accept", err) }()
	if err := e.authorize(actor, config.PermDraftSign); err != nil {
		return d, err
	}
	if !confirm {
		return d, InvalidTransitionError{Code: CodeConfirmationRequired, DraftID: draftID, Message: "Accepting a handover requires explicit confirmation"}
	}
	ctx, tx, done, err := e.begin(ctx, "draft.accept")
	if err != nil {
		return d, err
	}
	defer done()
	d, err = e.loadDraftForActor(ctx, tx, actor, draftID, expectVersion)
	if err != nil {
		return d, err
	}
	if err := ensureDraftTransition(d.ID, d.State, domain.DraftStateAccepted); err != nil {
		return d, err
	}
	if !e.mayAccept(d, actor) {
		return d, InvalidTransitionError{Code: CodeWrongSignatory, DraftID: d.ID, From: d.State, To: domain.DraftStateAccepted,
			Message: "Only the designated outgoing signatory can accept this handover"}
	}
	conflicts, err := e.Repo.CountUnresolvedConflicts(ctx, tx, d.ID)
	if err != nil {
		return d, err
	}
	if conflicts > 0 {
		return d, InvalidTransitionError{Code: CodeUnresolvedConflicts, DraftID: d.ID, From: d.State, To: domain.DraftStateAccepted,
			Message: fmt.Sprintf("%d item(s) still carry a merge or conflict flag; resolve or split them first", conflicts)}
	}
	if d, err = e.casState(ctx, tx, d, domain.DraftStateAccepted); err != nil {
		return d, err
	}
	if err := e.Repo.SetOutgoing(ctx, tx, d.ID, actor.UserID, d.LastModifiedAt); err != nil {
		return d, err
	}
	if err := e.emit(ctx, tx, events.DraftAccepted, d.VesselID, "draft", d.ID, actor, events.EventPayload{"version": d.Version}); err != nil {
		return d, err
	}
	full, err := e.Repo.LoadDraft(ctx, tx, d.ID)
	if err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return full, nil
}

func (e Engine) mayAccept(d domain.Draft, actor auth.Actor) bool {
	if d.IncomingSignatory != nil && *d.IncomingSignatory == actor.UserID {
		return false
	}
	if d.OutgoingSignatory != nil {
		return *d.OutgoingSignatory == actor.UserID
	}
	return e.Config.IsOutgoingRole(actor.Role)
}

func (e Engine) maySign(d domain.Draft, so domain.Signoff, actor auth.Actor) bool {
	if so.OutgoingUserID != nil && *so.OutgoingUserID == actor.UserID {
		return false
	}
	if d.IncomingSignatory != nil {
		return *d.IncomingSignatory == actor.UserID
	}
	return e.Config.IsIncomingRole(actor.Role)
}

// SnapshotKey is where the canonical snapshot of a signed draft is stored.
func SnapshotKey(vesselID, draftID, hash string) string {
	return path.Join("snapshots", vesselID, draftID, hash+".json")
}

// Sign records the incoming signature, freezes the canonical snapshot,
// computes its SHA-256 and stores both. The draft is immutable afterwards.
func (e Engine) Sign(ctx context.Context, actor auth.Actor, draftID string, confirm bool, expectVersion int) (d domain.Draft, err error) {
	defer func() { recordTransition("sign", err) }()
	if err := e.authorize(actor, config.PermDraftSign); err != nil {
		return d, err
	}
	if !confirm {
		return d, InvalidTransitionError{Code: CodeConfirmationRequired, DraftID: draftID, Message: "Signing a handover requires explicit confirmation"}
	}
	if e.Blobs == nil {
		return d, errNoBlobStore
	}
	ctx, tx, done, err := e.begin(ctx, "draft.sign")
	if err != nil {
		return d, err
	}
	defer done()
	d, err = e.loadDraftForActor(ctx, tx, actor, draftID, expectVersion)
	if err != nil {
		return d, err
	}
	if err := ensureDraftTransition(d.ID, d.State, domain.DraftStateSigned); err != nil {
		return d, err
	}
	so, err := e.Repo.GetSignoff(ctx, tx, d.ID)
	if err != nil {
		return d, err
	}
	if so.OutgoingUserID == nil {
		return d, InvalidTransitionError{Code: CodeInvalidTransition, DraftID: d.ID, From: d.State, To: domain.DraftStateSigned,
			Message: "The outgoing signature is missing; reopen and accept the handover again"}
	}
	if !e.maySign(d, so, actor) {
		return d, InvalidTransitionError{Code: CodeWrongSignatory, DraftID: d.ID, From: d.State, To: domain.DraftStateSigned,
			Message: "Only the designated incoming signatory can sign this handover"}
	}
	if d, err = e.casState(ctx, tx, d, domain.DraftStateSigned); err != nil {
		return d, err
	}

	full, err := e.Repo.LoadDraft(ctx, tx, d.ID)
	if err != nil {
		return d, err
	}
	signedAt := d.LastModifiedAt
	so.IncomingUserID = &actor.UserID
	so.IncomingSignedAt = &signedAt
	snap := domain.NewSnapshot(full, so)
	data, hash, err := snap.Hash()
	if err != nil {
		return d, fmt.Errorf("hash snapshot: %w", err)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("document_hash", hash))
	key := SnapshotKey(d.VesselID, d.ID, hash)
	if err := e.Blobs.Put(key, data); err != nil {
		return d, fmt.Errorf("store snapshot: %w", err)
	}
	ok, err := e.Repo.Seal(ctx, tx, d.ID, actor.UserID, signedAt, hash, key)
	if err != nil {
		return d, err
	}
	if !ok {
		return d, ErrConcurrencyConflict
	}
	var sources []string
	for _, sec := range full.Sections {
		for _, it := range sec.Items {
			if it.SupersededBy == nil {
				sources = append(sources, it.SourceEntryIDs...)
			}
		}
	}
	if err := e.Repo.ResolveEntries(ctx, tx, sortedUnique(sources), signedAt); err != nil {
		return d, err
	}
	if err := e.emit(ctx, tx, events.DraftSigned, d.VesselID, "draft", d.ID, actor, events.EventPayload{
		"document_hash": hash,
		"snapshot_path": key,
		"outgoing":      deref(so.OutgoingUserID),
	}); err != nil {
		return d, err
	}
	full.State = d.State
	full.Version = d.Version
	full.LastModifiedAt = d.LastModifiedAt
	so.DocumentHash = &hash
	so.SnapshotPath = &key
	full.Signoff = &so
	if err := tx.Commit(); err != nil {
		return d, err
	}
	e.log().WithFields(logrus.Fields{"vessel_id": d.VesselID, "draft_id": d.ID, "document_hash": hash}).Info("handover signed")
	return full, nil
}
