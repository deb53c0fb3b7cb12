package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/mail"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"watchkeeper/internal/config"
	"watchkeeper/internal/delivery"
	"watchkeeper/internal/domain"
	"watchkeeper/internal/engine/auth"
	"watchkeeper/internal/events"
	"watchkeeper/internal/metrics"
	"watchkeeper/internal/render"
)

const (
	deliverySent   = "sent"
	deliveryFailed = "failed"
)

type ExportOptions struct {
	Format     string
	Recipients []string
	// Regenerate forces a new export even when an identical request was
	// served within the idempotency window.
	Regenerate bool
	// IdempotencyKey, when set, replaces the derived key.
	IdempotencyKey string
}

type ExportResult struct {
	Export   domain.Export
	Created  bool
	Delivery *domain.DeliveryAttempt
}

// Export renders the signed snapshot of a draft into an immutable artifact.
// The stored snapshot is re-hashed and re-derived from the database first;
// any mismatch with the signed document hash halts the export.
func (e Engine) Export(ctx context.Context, actor auth.Actor, draftID string, opts ExportOptions) (res ExportResult, err error) {
	defer func() { recordTransition("export", err) }()
	if err := e.authorize(actor, config.PermDraftExport); err != nil {
		return res, err
	}
	recipients, err := normalizeRecipients(opts.Format, opts.Recipients)
	if err != nil {
		return res, err
	}
	if e.Blobs == nil {
		return res, errNoBlobStore
	}
	ctx, span := tracer().Start(ctx, "draft.export")
	defer span.End()

	d, err := e.Repo.LoadDraft(ctx, nil, draftID)
	if err != nil {
		return res, notFound("draft", draftID, err)
	}
	if err := inVessel(actor, d.VesselID, "draft", draftID); err != nil {
		return res, err
	}
	if d.State != domain.DraftStateSigned && d.State != domain.DraftStateExported {
		return res, InvalidTransitionError{Code: CodeInvalidTransition, DraftID: d.ID, From: d.State, To: domain.DraftStateExported,
			Message: "Only a signed handover can be exported"}
	}

	key := e.exportKey(d.ID, opts, recipients)
	if existing, err := e.Repo.GetExportByKey(ctx, nil, key); err == nil {
		return ExportResult{Export: existing}, nil
	} else if !isNotFound(err) {
		return res, err
	}

	doc, err := e.verifiedDocument(ctx, actor, d)
	if err != nil {
		return res, err
	}
	artifact, err := render.Render(opts.Format, doc)
	if err != nil {
		return res, err
	}

	exp := domain.Export{
		ID:             newID(),
		DraftID:        d.ID,
		ExportType:     opts.Format,
		ExportedBy:     actor.UserID,
		ExportedAt:     e.stamp(),
		Recipients:     recipients,
		DocumentHash:   doc.DocumentHash,
		IdempotencyKey: key,
	}
	exp.StoragePath = path.Join("exports", d.VesselID, d.ID, exp.ID+"."+artifact.Extension)

	// The key is re-checked under the write lock so a losing concurrent
	// request never stores an artifact.
	ctx, tx, done, err := e.begin(ctx, "export.record")
	if err != nil {
		return res, err
	}
	defer done()
	if existing, err := e.Repo.GetExportByKey(ctx, tx, key); err == nil {
		return ExportResult{Export: existing}, nil
	} else if !isNotFound(err) {
		return res, err
	}
	if err := e.Blobs.Put(exp.StoragePath, artifact.Data); err != nil {
		return res, fmt.Errorf("store export artifact: %w", err)
	}
	current, err := e.Repo.GetDraft(ctx, tx, d.ID)
	if err != nil {
		return res, err
	}
	if err := e.Repo.InsertExport(ctx, tx, exp); err != nil {
		return res, err
	}
	if current.State == domain.DraftStateSigned {
		if _, err := e.casState(ctx, tx, current, domain.DraftStateExported); err != nil {
			return res, err
		}
	}
	if err := e.emit(ctx, tx, events.ExportCreated, d.VesselID, "export", exp.ID, actor, events.EventPayload{
		"draft_id":      d.ID,
		"export_type":   exp.ExportType,
		"document_hash": exp.DocumentHash,
		"recipients":    len(recipients),
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	metrics.RecordExport(exp.ExportType)
	e.log().WithFields(logrus.Fields{"vessel_id": d.VesselID, "draft_id": d.ID, "export_id": exp.ID, "format": exp.ExportType}).Info("handover exported")

	res = ExportResult{Export: exp, Created: true}
	if exp.ExportType == domain.ExportEmail {
		attempt, err := e.deliver(ctx, actor, d.VesselID, exp, doc, artifact)
		if err != nil {
			return res, err
		}
		res.Delivery = &attempt
	}
	return res, nil
}

// exportKey derives the idempotency key from the draft, format, recipients
// and the request time bucket.
func (e Engine) exportKey(draftID string, opts ExportOptions, recipients []string) string {
	if opts.IdempotencyKey != "" {
		return uuid.NewSHA1(uuid.NameSpaceURL, []byte("watchkeeper:export:"+draftID+"|client|"+opts.IdempotencyKey)).String()
	}
	if opts.Regenerate {
		return newID()
	}
	window := int64(e.Config.Export.IdempotencyBucketSeconds)
	if window <= 0 {
		window = 60
	}
	bucket := e.now().Unix() / window
	name := strings.Join([]string{draftID, opts.Format, strconv.FormatInt(bucket, 10), strings.Join(recipients, ",")}, "|")
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("watchkeeper:export:"+name)).String()
}

func normalizeRecipients(format string, in []string) ([]string, error) {
	switch format {
	case domain.ExportPDF, domain.ExportHTML:
		if len(in) > 0 {
			return nil, ValidationError{Field: "recipients", Reason: "only email exports take recipients"}
		}
		return []string{}, nil
	case domain.ExportEmail:
	default:
		return nil, ValidationError{Field: "export_type", Reason: "must be one of pdf, html, email"}
	}
	seen := map[string]struct{}{}
	out := []string{}
	for _, r := range in {
		addr, err := mail.ParseAddress(strings.TrimSpace(r))
		if err != nil {
			return nil, ValidationError{Field: "recipients", Reason: fmt.Sprintf("invalid address %q", r)}
		}
		a := strings.ToLower(addr.Address)
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, ValidationError{Field: "recipients", Reason: "email export needs at least one recipient"}
	}
	sort.Strings(out)
	return out, nil
}

// verifiedDocument reads the frozen snapshot, checks it against the signed
// hash and against the snapshot re-derived from the database, and returns it
// ready to render.
func (e Engine) verifiedDocument(ctx context.Context, actor auth.Actor, d domain.Draft) (render.Document, error) {
	if d.Signoff == nil || d.Signoff.DocumentHash == nil || d.Signoff.SnapshotPath == nil {
		return render.Document{}, e.integrityFailure(ctx, actor, SnapshotIntegrityError{DraftID: d.ID, Source: "signoff", Expected: "document hash"})
	}
	expected := *d.Signoff.DocumentHash
	data, err := e.Blobs.Get(*d.Signoff.SnapshotPath)
	if err != nil {
		return render.Document{}, e.integrityFailure(ctx, actor, SnapshotIntegrityError{DraftID: d.ID, Source: "snapshot: " + err.Error(), Expected: expected})
	}
	if actual := domain.HashBytes(data); actual != expected {
		return render.Document{}, e.integrityFailure(ctx, actor, SnapshotIntegrityError{DraftID: d.ID, Source: "snapshot", Expected: expected, Actual: actual})
	}
	_, rederived, err := domain.NewSnapshot(d, *d.Signoff).Hash()
	if err != nil {
		return render.Document{}, err
	}
	if rederived != expected {
		return render.Document{}, e.integrityFailure(ctx, actor, SnapshotIntegrityError{DraftID: d.ID, Source: "database", Expected: expected, Actual: rederived})
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return render.Document{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return render.Document{Snapshot: snap, DocumentHash: expected, VesselName: e.Config.Vessel.Name}, nil
}

// integrityFailure records the violation in its own transaction, raises a
// critical log line and returns err unchanged.
func (e Engine) integrityFailure(ctx context.Context, actor auth.Actor, ierr SnapshotIntegrityError) error {
	metrics.RecordIntegrityFailure()
	e.log().WithFields(logrus.Fields{
		"vessel_id": actor.VesselID,
		"draft_id":  ierr.DraftID,
		"expected":  ierr.Expected,
		"actual":    ierr.Actual,
		"source":    ierr.Source,
	}).Error("snapshot integrity check failed; export halted")
	ctx, tx, done, err := e.begin(context.WithoutCancel(ctx), "export.integrity_violation")
	if err != nil {
		return ierr
	}
	defer done()
	if err := e.emit(ctx, tx, events.ExportIntegrityViolation, actor.VesselID, "draft", ierr.DraftID, actor, events.EventPayload{
		"expected": ierr.Expected,
		"actual":   ierr.Actual,
		"source":   ierr.Source,
	}); err == nil {
		_ = tx.Commit()
	}
	return ierr
}

// deliver hands an email export to the Deliverer and appends the attempt.
// A failed handoff is recorded, not returned.
func (e Engine) deliver(ctx context.Context, actor auth.Actor, vesselID string, exp domain.Export, doc render.Document, artifact render.Artifact) (domain.DeliveryAttempt, error) {
	n, err := e.Repo.NextDeliveryAttempt(ctx, nil, exp.ID)
	if err != nil {
		return domain.DeliveryAttempt{}, err
	}
	req := delivery.Request{
		ExportID:     exp.ID,
		Attempt:      n,
		DraftID:      exp.DraftID,
		VesselID:     vesselID,
		Recipients:   exp.Recipients,
		Subject:      render.Subject(doc),
		HTMLBody:     string(artifact.Data),
		ArtifactPath: exp.StoragePath,
		DocumentHash: exp.DocumentHash,
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
	), 2), ctx)
	sendErr := backoff.Retry(func() error { return e.Deliverer.Deliver(ctx, req) }, policy)

	attempt := domain.DeliveryAttempt{
		ID:          newID(),
		ExportID:    exp.ID,
		Attempt:     n,
		Status:      deliverySent,
		RequestedBy: actor.UserID,
		AttemptedAt: e.stamp(),
	}
	logger := e.log().WithFields(logrus.Fields{"export_id": exp.ID, "attempt": n})
	if sendErr != nil {
		msg := sendErr.Error()
		attempt.Status = deliveryFailed
		attempt.Error = &msg
		logger.WithError(sendErr).Warn("email handoff failed")
	}
	metrics.RecordDelivery(attempt.Status)

	ctx, tx, done, err := e.begin(context.WithoutCancel(ctx), "export.delivery")
	if err != nil {
		return attempt, err
	}
	defer done()
	if err := e.Repo.InsertDelivery(ctx, tx, attempt); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return attempt, ErrConcurrencyConflict
		}
		return attempt, err
	}
	if err := e.emit(ctx, tx, events.ExportDeliveryAttempted, vesselID, "export", exp.ID, actor, events.EventPayload{
		"attempt": n,
		"status":  attempt.Status,
	}); err != nil {
		return attempt, err
	}
	if err := tx.Commit(); err != nil {
		return attempt, err
	}
	return attempt, nil
}

// RetryDelivery hands an existing email export to the Deliverer again. The
// export row is reused; only a new attempt is appended.
func (e Engine) RetryDelivery(ctx context.Context, actor auth.Actor, exportID string) (domain.DeliveryAttempt, error) {
	exp, d, err := e.exportForActor(ctx, actor, exportID)
	if err != nil {
		return domain.DeliveryAttempt{}, err
	}
	if exp.ExportType != domain.ExportEmail {
		return domain.DeliveryAttempt{}, ValidationError{Field: "export_id", Reason: "only email exports are delivered"}
	}
	full, err := e.Repo.LoadDraft(ctx, nil, d.ID)
	if err != nil {
		return domain.DeliveryAttempt{}, err
	}
	doc, err := e.verifiedDocument(ctx, actor, full)
	if err != nil {
		return domain.DeliveryAttempt{}, err
	}
	data, err := e.Blobs.Get(exp.StoragePath)
	if err != nil {
		return domain.DeliveryAttempt{}, fmt.Errorf("read export artifact: %w", err)
	}
	return e.deliver(ctx, actor, d.VesselID, exp, doc, render.Artifact{Data: data})
}

func (e Engine) exportForActor(ctx context.Context, actor auth.Actor, exportID string) (domain.Export, domain.Draft, error) {
	if err := e.authorize(actor, config.PermDraftExport); err != nil {
		return domain.Export{}, domain.Draft{}, err
	}
	if e.Blobs == nil {
		return domain.Export{}, domain.Draft{}, errNoBlobStore
	}
	exp, err := e.Repo.GetExport(ctx, nil, exportID)
	if err != nil {
		return exp, domain.Draft{}, notFound("export", exportID, err)
	}
	d, err := e.Repo.GetDraft(ctx, nil, exp.DraftID)
	if err != nil {
		return exp, d, err
	}
	if err := inVessel(actor, d.VesselID, "export", exportID); err != nil {
		return domain.Export{}, domain.Draft{}, err
	}
	return exp, d, nil
}

// OpenArtifact streams a stored export artifact.
func (e Engine) OpenArtifact(ctx context.Context, actor auth.Actor, exportID string) (io.ReadCloser, domain.Export, error) {
	exp, _, err := e.exportForActor(ctx, actor, exportID)
	if err != nil {
		return nil, exp, err
	}
	rc, err := e.Blobs.Open(exp.StoragePath)
	return rc, exp, err
}

func (e Engine) ListExports(ctx context.Context, actor auth.Actor, draftID string) ([]domain.Export, error) {
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
	return e.Repo.ListExports(ctx, draftID)
}

func (e Engine) ListDeliveries(ctx context.Context, actor auth.Actor, exportID string) ([]domain.DeliveryAttempt, error) {
	if _, _, err := e.exportForActor(ctx, actor, exportID); err != nil {
		return nil, err
	}
	return e.Repo.ListDeliveries(ctx, exportID)
}
