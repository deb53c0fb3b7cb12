package engine

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"unicode/utf8"

	"watchkeeper/internal/classify"
	"watchkeeper/internal/config"
	"watchkeeper/internal/domain"
	"watchkeeper/internal/engine/auth"
	"watchkeeper/internal/events"
	"watchkeeper/internal/repo"
)

const maxNarrativeRunes = 8000

// lowConfidenceFlag keeps low-confidence classifications in the triage queue.
const lowConfidenceFlag = 0.5

var sourceKinds = map[string]struct{}{
	"fault": {}, "work_order": {}, "equipment": {}, "document": {}, "email": {}, "event": {},
}

type EntryCreateOptions struct {
	Narrative  string
	Hint       *classify.Classification
	SourceRefs []domain.SourceRef
}

// CreateEntry records a candidate entry for the actor's vessel. When the
// classifier cannot be reached the entry is still stored, unclassified and
// flagged, and a ClassificationUnavailableError is returned with it.
func (e Engine) CreateEntry(ctx context.Context, actor auth.Actor, opts EntryCreateOptions) (domain.Entry, error) {
	if err := e.authorize(actor, config.PermEntryCreate); err != nil {
		return domain.Entry{}, err
	}
	narrative := strings.TrimSpace(opts.Narrative)
	if narrative == "" {
		return domain.Entry{}, ValidationError{Field: "narrative_text", Reason: "required"}
	}
	if utf8.RuneCountInString(narrative) > maxNarrativeRunes {
		return domain.Entry{}, ValidationError{Field: "narrative_text", Reason: "too long"}
	}
	for i, ref := range opts.SourceRefs {
		if _, ok := sourceKinds[ref.Kind]; !ok || strings.TrimSpace(ref.ID) == "" {
			return domain.Entry{}, ValidationError{Field: "source_references", Reason: "entry " + strconv.Itoa(i) + " needs a known kind and an id"}
		}
	}

	var (
		cls      *repo.EntryClassification
		classErr error
		flagged  bool
	)
	if opts.Hint != nil {
		c, ok := e.normalizeClassification(*opts.Hint)
		if !ok {
			return domain.Entry{}, ValidationError{Field: "classification_hint.primary_domain", Reason: "unknown domain code"}
		}
		cls = &c
	} else {
		out, err := e.Classifier.Classify(ctx, classify.Request{VesselID: actor.VesselID, Text: narrative, AuthorRole: actor.Role})
		switch {
		case err == nil:
			if c, ok := e.normalizeClassification(out); ok {
				cls = &c
			} else {
				flagged = true
			}
		case errors.Is(err, classify.ErrNoMatch):
			flagged = true
		default:
			flagged = true
			classErr = ClassificationUnavailableError{Err: err}
			e.log().WithError(err).WithField("vessel_id", actor.VesselID).Warn("classifier unavailable; entry saved for manual triage")
		}
	}

	now := e.stamp()
	entry := domain.Entry{
		ID:                    newID(),
		VesselID:              actor.VesselID,
		CreatedAt:             now,
		CreatedBy:             domain.Author{UserID: actor.UserID, Role: actor.Role},
		NarrativeText:         narrative,
		SourceReferences:      opts.SourceRefs,
		Status:                domain.EntryCandidate,
		ClassificationFlagged: flagged,
		UpdatedAt:             now,
	}
	if cls != nil {
		applyClassification(&entry, *cls)
	}

	ctx, tx, done, err := e.begin(ctx, "entry.create")
	if err != nil {
		return domain.Entry{}, err
	}
	defer done()
	if err := e.Repo.InsertEntry(ctx, tx, entry); err != nil {
		return domain.Entry{}, err
	}
	if err := e.emit(ctx, tx, events.EntryCreated, entry.VesselID, "entry", entry.ID, actor, events.EventPayload{
		"primary_domain":         deref(entry.PrimaryDomain),
		"classification_flagged": entry.ClassificationFlagged,
		"classification_pending": classErr != nil,
	}); err != nil {
		return domain.Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Entry{}, err
	}
	return entry, classErr
}

// normalizeClassification checks the domain against the taxonomy and derives
// the bucket from it; the capability's own bucket is not trusted.
func (e Engine) normalizeClassification(c classify.Classification) (repo.EntryClassification, bool) {
	bucket, ok := e.Config.BucketFor(c.PrimaryDomain)
	if !ok {
		return repo.EntryClassification{}, false
	}
	var secondary []string
	for _, code := range c.SecondaryDomains {
		if _, ok := e.Config.BucketFor(code); ok && code != c.PrimaryDomain {
			secondary = append(secondary, code)
		}
	}
	tags := domain.NormalizeRiskTags(c.RiskTags)
	if len(tags) == 0 {
		tags = []string{domain.RiskInformational}
	}
	return repo.EntryClassification{
		PrimaryDomain:       c.PrimaryDomain,
		SecondaryDomains:    secondary,
		PresentationBucket:  bucket,
		RiskTags:            tags,
		SuggestedOwnerRoles: c.SuggestedOwnerRoles,
		Confidence:          c.Confidence,
		Flagged:             c.Confidence > 0 && c.Confidence < lowConfidenceFlag,
	}, true
}

func applyClassification(entry *domain.Entry, c repo.EntryClassification) {
	primary, bucket, score := c.PrimaryDomain, c.PresentationBucket, c.Confidence
	entry.PrimaryDomain = &primary
	entry.PresentationBucket = &bucket
	entry.SecondaryDomains = c.SecondaryDomains
	entry.RiskTags = c.RiskTags
	entry.SuggestedOwnerRoles = c.SuggestedOwnerRoles
	entry.ClassificationScore = &score
	entry.ClassificationFlagged = entry.ClassificationFlagged || c.Flagged
}

// ConfirmEntry marks a candidate eligible for the next assembly. Confirming
// twice is a no-op.
func (e Engine) ConfirmEntry(ctx context.Context, actor auth.Actor, id string) (domain.Entry, error) {
	if err := e.authorize(actor, config.PermEntryTriage); err != nil {
		return domain.Entry{}, err
	}
	ctx, tx, done, err := e.begin(ctx, "entry.confirm")
	if err != nil {
		return domain.Entry{}, err
	}
	defer done()
	entry, err := e.entryForActor(ctx, tx, actor, id)
	if err != nil {
		return entry, err
	}
	if entry.Status != domain.EntryCandidate {
		return entry, InvalidTransitionError{Code: CodeEntryNotCandidate, Message: "only candidate entries can be confirmed; this one is " + entry.Status}
	}
	if entry.ConfirmedAt != nil {
		return entry, nil
	}
	now := e.stamp()
	if _, err := e.Repo.ConfirmEntry(ctx, tx, id, actor.UserID, now); err != nil {
		return entry, err
	}
	if err := e.emit(ctx, tx, events.EntryConfirmed, entry.VesselID, "entry", id, actor, nil); err != nil {
		return entry, err
	}
	if err := tx.Commit(); err != nil {
		return entry, err
	}
	entry.ConfirmedAt = &now
	entry.ConfirmedBy = &actor.UserID
	entry.UpdatedAt = now
	return entry, nil
}

// DismissEntry suppresses a candidate so it is never assembled.
func (e Engine) DismissEntry(ctx context.Context, actor auth.Actor, id, reason string) (domain.Entry, error) {
	if err := e.authorize(actor, config.PermEntryTriage); err != nil {
		return domain.Entry{}, err
	}
	ctx, tx, done, err := e.begin(ctx, "entry.dismiss")
	if err != nil {
		return domain.Entry{}, err
	}
	defer done()
	entry, err := e.entryForActor(ctx, tx, actor, id)
	if err != nil {
		return entry, err
	}
	if entry.Status != domain.EntryCandidate {
		return entry, InvalidTransitionError{Code: CodeEntryNotCandidate, Message: "only candidate entries can be dismissed; this one is " + entry.Status}
	}
	now := e.stamp()
	reason = strings.TrimSpace(reason)
	ok, err := e.Repo.DismissEntry(ctx, tx, id, reason, now)
	if err != nil {
		return entry, err
	}
	if !ok {
		return entry, ErrConcurrencyConflict
	}
	if err := e.emit(ctx, tx, events.EntryDismissed, entry.VesselID, "entry", id, actor, events.EventPayload{"reason": reason}); err != nil {
		return entry, err
	}
	if err := tx.Commit(); err != nil {
		return entry, err
	}
	entry.Status = domain.EntrySuppressed
	entry.DismissReason = optionalString(reason)
	entry.UpdatedAt = now
	return entry, nil
}

type CorrectionRequest struct {
	RequestedDomain string
	Reason          string
}

// FlagClassification disputes an entry's classification. The stored domain
// is left untouched; the correction is logged for triage.
func (e Engine) FlagClassification(ctx context.Context, actor auth.Actor, id string, req CorrectionRequest) (domain.ClassificationCorrection, error) {
	if err := e.authorize(actor, config.PermEntryCreate); err != nil {
		return domain.ClassificationCorrection{}, err
	}
	if strings.TrimSpace(req.Reason) == "" {
		return domain.ClassificationCorrection{}, ValidationError{Field: "reason", Reason: "required"}
	}
	if req.RequestedDomain != "" {
		if _, ok := e.Config.BucketFor(req.RequestedDomain); !ok {
			return domain.ClassificationCorrection{}, ValidationError{Field: "requested_domain", Reason: "unknown domain code"}
		}
	}
	ctx, tx, done, err := e.begin(ctx, "entry.flag_classification")
	if err != nil {
		return domain.ClassificationCorrection{}, err
	}
	defer done()
	entry, err := e.entryForActor(ctx, tx, actor, id)
	if err != nil {
		return domain.ClassificationCorrection{}, err
	}
	now := e.stamp()
	corr := domain.ClassificationCorrection{
		ID:              newID(),
		EntryID:         id,
		RequestedBy:     actor.UserID,
		RequestedDomain: optionalString(req.RequestedDomain),
		Reason:          strings.TrimSpace(req.Reason),
		CreatedAt:       now,
	}
	if err := e.Repo.FlagEntryClassification(ctx, tx, id, now); err != nil {
		return corr, err
	}
	if err := e.Repo.InsertCorrection(ctx, tx, corr); err != nil {
		return corr, err
	}
	if err := e.emit(ctx, tx, events.EntryClassificationFlag, entry.VesselID, "entry", id, actor, events.EventPayload{
		"current_domain":   deref(entry.PrimaryDomain),
		"requested_domain": req.RequestedDomain,
		"reason":           corr.Reason,
	}); err != nil {
		return corr, err
	}
	if err := tx.Commit(); err != nil {
		return corr, err
	}
	return corr, nil
}

type AssignOptions struct {
	// Domain is the manually chosen code. Empty reruns the classifier.
	Domain           string
	SecondaryDomains []string
	RiskTags         []string
}

// AssignClassification classifies an entry that has no domain yet, either
// from a triage decision or by asking the classifier again. Classified
// entries are rejected; their domain is write-once.
func (e Engine) AssignClassification(ctx context.Context, actor auth.Actor, id string, opts AssignOptions) (domain.Entry, error) {
	if err := e.authorize(actor, config.PermEntryTriage); err != nil {
		return domain.Entry{}, err
	}
	current, err := e.GetEntry(ctx, actor, id)
	if err != nil {
		return current, err
	}
	if current.Classified() {
		return current, InvalidTransitionError{Code: CodeAlreadyClassified, Message: "entry is already classified; flag it for correction instead"}
	}
	var c classify.Classification
	if opts.Domain != "" {
		for _, tag := range opts.RiskTags {
			if !domain.ValidRiskTag(tag) {
				return current, ValidationError{Field: "risk_tags", Reason: "unknown risk tag " + tag}
			}
		}
		c = classify.Classification{PrimaryDomain: opts.Domain, SecondaryDomains: opts.SecondaryDomains, RiskTags: opts.RiskTags, Confidence: 1}
	} else {
		c, err = e.Classifier.Classify(ctx, classify.Request{VesselID: current.VesselID, Text: current.NarrativeText, AuthorRole: current.CreatedBy.Role})
		if err != nil {
			if errors.Is(err, classify.ErrNoMatch) {
				return current, ValidationError{Field: "domain", Reason: "classifier found no match; choose a domain"}
			}
			return current, ClassificationUnavailableError{Err: err}
		}
	}
	norm, ok := e.normalizeClassification(c)
	if !ok {
		return current, ValidationError{Field: "domain", Reason: "unknown domain code"}
	}
	if opts.Domain != "" {
		norm.Flagged = false
	}

	ctx, tx, done, err := e.begin(ctx, "entry.classify")
	if err != nil {
		return current, err
	}
	defer done()
	now := e.stamp()
	ok, err = e.Repo.AssignClassification(ctx, tx, id, norm, now)
	if err != nil {
		return current, err
	}
	if !ok {
		return current, InvalidTransitionError{Code: CodeAlreadyClassified, Message: "entry is already classified; flag it for correction instead"}
	}
	if err := e.emit(ctx, tx, events.EntryClassified, current.VesselID, "entry", id, actor, events.EventPayload{
		"primary_domain": norm.PrimaryDomain,
		"manual":         opts.Domain != "",
	}); err != nil {
		return current, err
	}
	entry, err := e.Repo.GetEntry(ctx, tx, id)
	if err != nil {
		return current, err
	}
	if err := tx.Commit(); err != nil {
		return current, err
	}
	return entry, nil
}

func (e Engine) GetEntry(ctx context.Context, actor auth.Actor, id string) (domain.Entry, error) {
	if err := e.authorize(actor, config.PermEntryRead); err != nil {
		return domain.Entry{}, err
	}
	return e.entryForActor(ctx, nil, actor, id)
}

type EntryListOptions struct {
	Status  string
	Flagged *bool
	Limit   int
}

func (e Engine) ListEntries(ctx context.Context, actor auth.Actor, opts EntryListOptions) ([]domain.Entry, error) {
	if err := e.authorize(actor, config.PermEntryRead); err != nil {
		return nil, err
	}
	switch opts.Status {
	case "", domain.EntryCandidate, domain.EntrySuppressed, domain.EntryResolved:
	default:
		return nil, ValidationError{Field: "status", Reason: "unknown status"}
	}
	return e.Repo.ListEntries(ctx, nil, repo.EntryFilter{VesselID: actor.VesselID, Status: opts.Status, Flagged: opts.Flagged, Limit: opts.Limit})
}

func (e Engine) ListCorrections(ctx context.Context, actor auth.Actor, id string) ([]domain.ClassificationCorrection, error) {
	if _, err := e.GetEntry(ctx, actor, id); err != nil {
		return nil, err
	}
	return e.Repo.ListCorrections(ctx, id)
}

func (e Engine) entryForActor(ctx context.Context, tx *sql.Tx, actor auth.Actor, id string) (domain.Entry, error) {
	entry, err := e.Repo.GetEntry(ctx, tx, id)
	if err != nil {
		return entry, notFound("entry", id, err)
	}
	if err := inVessel(actor, entry.VesselID, "entry", id); err != nil {
		return domain.Entry{}, err
	}
	return entry, nil
}
