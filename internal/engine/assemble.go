package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"watchkeeper/internal/classify"
	"watchkeeper/internal/config"
	"watchkeeper/internal/domain"
	"watchkeeper/internal/engine/auth"
	"watchkeeper/internal/events"
	"watchkeeper/internal/lock"
	"watchkeeper/internal/metrics"
	"watchkeeper/internal/repo"
	"watchkeeper/internal/similarity"
)

type GenerateOptions struct {
	OutgoingUserID string
	IncomingUserID string
}

type generated struct {
	draft   domain.Draft
	created bool
}

// GenerateDraft assembles a draft from the vessel's confirmed candidates. If
// a non-terminal draft already exists it is returned unchanged with
// created=false.
func (e Engine) GenerateDraft(ctx context.Context, actor auth.Actor, opts GenerateOptions) (domain.Draft, bool, error) {
	if err := e.authorize(actor, config.PermDraftGenerate); err != nil {
		return domain.Draft{}, false, err
	}
	if opts.OutgoingUserID != "" && opts.OutgoingUserID == opts.IncomingUserID {
		return domain.Draft{}, false, ValidationError{Field: "incoming_signatory", Reason: "must differ from the outgoing signatory"}
	}
	run := func() (any, error) {
		d, created, err := e.generate(ctx, actor, opts)
		return generated{draft: d, created: created}, err
	}
	var (
		v   any
		err error
	)
	if e.flight != nil {
		v, err, _ = e.flight.Do(actor.VesselID, run)
	} else {
		v, err = run()
	}
	if err != nil {
		return domain.Draft{}, false, err
	}
	g := v.(generated)
	return g.draft, g.created, nil
}

func (e Engine) generate(ctx context.Context, actor auth.Actor, opts GenerateOptions) (domain.Draft, bool, error) {
	ctx, span := tracer().Start(ctx, "draft.generate")
	defer span.End()
	span.SetAttributes(attribute.String("vessel_id", actor.VesselID))
	started := time.Now()
	defer func() { metrics.ObserveAssembly(time.Since(started)) }()
	logger := e.log().WithField("vessel_id", actor.VesselID)

	if d, ok, err := e.existingDraft(ctx, actor.VesselID); err != nil || ok {
		if ok {
			metrics.RecordGeneration("existing")
		}
		return d, false, err
	}

	holder := newID()
	ttl := time.Duration(e.Config.Assembly.LockTTLSeconds) * time.Second
	wait := time.Duration(e.Config.Assembly.LockWaitSeconds) * time.Second
	if err := lock.Wait(ctx, e.Locker, actor.VesselID, holder, ttl, wait); err != nil {
		if !errors.Is(err, lock.ErrNotAcquired) {
			return domain.Draft{}, false, fmt.Errorf("acquire generation lock: %w", err)
		}
		if d, ok, err := e.existingDraft(ctx, actor.VesselID); err != nil || ok {
			if ok {
				metrics.RecordGeneration("existing")
			}
			return d, false, err
		}
		metrics.RecordGeneration("busy")
		return domain.Draft{}, false, ErrGenerationBusy
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := e.Locker.Release(rctx, actor.VesselID, holder); err != nil {
			logger.WithError(err).Warn("release generation lock")
		}
	}()

	if d, ok, err := e.existingDraft(ctx, actor.VesselID); err != nil || ok {
		if ok {
			metrics.RecordGeneration("existing")
		}
		return d, false, err
	}

	now := e.now()
	periodEnd := domain.FormatTime(now)
	periodStart := domain.FormatTime(now.AddDate(0, 0, -e.Config.Assembly.WindowDays))
	entries, err := e.Repo.ListEntries(ctx, nil, repo.EntryFilter{
		VesselID:      actor.VesselID,
		Status:        domain.EntryCandidate,
		ConfirmedOnly: true,
		Since:         periodStart,
		Until:         periodEnd,
	})
	if err != nil {
		return domain.Draft{}, false, err
	}

	assignments, entries, err := e.classifyPending(ctx, entries, logger)
	if err != nil {
		metrics.RecordGeneration("classifier_unavailable")
		return domain.Draft{}, false, err
	}

	items, err := e.buildItems(ctx, actor.VesselID, entries)
	if err != nil {
		metrics.RecordGeneration("classifier_unavailable")
		return domain.Draft{}, false, err
	}
	items = append(synthesizeCommand(items), items...)

	stamp := domain.FormatTime(now)
	draft := domain.Draft{
		ID:                newID(),
		VesselID:          actor.VesselID,
		PeriodStart:       periodStart,
		PeriodEnd:         periodEnd,
		GeneratedAt:       stamp,
		GeneratedBy:       actor.UserID,
		State:             domain.DraftStateDraft,
		Version:           1,
		OutgoingSignatory: optionalString(opts.OutgoingUserID),
		IncomingSignatory: optionalString(opts.IncomingUserID),
		LastModifiedAt:    stamp,
	}
	if err := e.persistDraft(ctx, actor, &draft, items, assignments); err != nil {
		if d, ok, lookupErr := e.existingDraft(ctx, actor.VesselID); lookupErr == nil && ok {
			logger.WithError(err).Warn("draft created concurrently; returning existing draft")
			metrics.RecordGeneration("existing")
			return d, false, nil
		}
		return domain.Draft{}, false, err
	}
	metrics.RecordGeneration("created")
	logger.WithFields(logrus.Fields{"draft_id": draft.ID, "entries": len(entries), "items": len(items)}).Info("draft generated")
	d, err := e.Repo.LoadDraft(ctx, nil, draft.ID)
	return d, true, err
}

func (e Engine) existingDraft(ctx context.Context, vesselID string) (domain.Draft, bool, error) {
	active, err := e.Repo.ActiveDraft(ctx, nil, vesselID)
	if isNotFound(err) {
		return domain.Draft{}, false, nil
	}
	if err != nil {
		return domain.Draft{}, false, err
	}
	d, err := e.Repo.LoadDraft(ctx, nil, active.ID)
	return d, err == nil, err
}

type assignment struct {
	entryID string
	cls     repo.EntryClassification
}

// classifyPending classifies candidates that have no domain yet. An
// unreachable classifier aborts assembly; entries it cannot place are left
// out for manual triage.
func (e Engine) classifyPending(ctx context.Context, entries []domain.Entry, logger logrus.FieldLogger) ([]assignment, []domain.Entry, error) {
	var (
		assignments []assignment
		kept        = entries[:0:0]
	)
	for _, entry := range entries {
		if entry.Classified() {
			kept = append(kept, entry)
			continue
		}
		out, err := e.Classifier.Classify(ctx, classify.Request{VesselID: entry.VesselID, Text: entry.NarrativeText, AuthorRole: entry.CreatedBy.Role})
		if errors.Is(err, classify.ErrNoMatch) {
			logger.WithField("entry_id", entry.ID).Info("entry left unclassified; skipped")
			continue
		}
		if err != nil {
			return nil, nil, ClassificationUnavailableError{Err: err}
		}
		c, ok := e.normalizeClassification(out)
		if !ok {
			logger.WithField("entry_id", entry.ID).Warn("classifier returned unknown domain; skipped")
			continue
		}
		assignments = append(assignments, assignment{entryID: entry.ID, cls: c})
		applyClassification(&entry, c)
		kept = append(kept, entry)
	}
	return assignments, kept, nil
}

// buildItems clusters near-duplicates within each bucket, summarizes each
// cluster and ranks items within each bucket. A cluster that spans domains
// yields one item per domain, each flagged as a conflict.
func (e Engine) buildItems(ctx context.Context, vesselID string, entries []domain.Entry) ([]domain.DraftItem, error) {
	buckets := map[string][]domain.Entry{}
	var order []string
	for _, entry := range entries {
		b := deref(entry.PresentationBucket)
		if _, ok := buckets[b]; !ok {
			order = append(order, b)
		}
		buckets[b] = append(buckets[b], entry)
	}

	type pending struct {
		bucket      string
		domain      string
		sources     []domain.Entry
		crossDomain bool
	}
	var work []pending
	for _, b := range order {
		group := buckets[b]
		texts := make([]string, len(group))
		for i, entry := range group {
			texts[i] = entry.NarrativeText
		}
		for _, cluster := range similarity.Cluster(texts, e.Config.Assembly.DuplicateThreshold) {
			byDomain := map[string][]domain.Entry{}
			var domains []string
			for _, idx := range cluster {
				d := deref(group[idx].PrimaryDomain)
				if _, ok := byDomain[d]; !ok {
					domains = append(domains, d)
				}
				byDomain[d] = append(byDomain[d], group[idx])
			}
			for _, d := range domains {
				work = append(work, pending{bucket: b, domain: d, sources: byDomain[d], crossDomain: len(domains) > 1})
			}
		}
	}

	ranked := make([]rankedItem, len(work))
	g, gctx := errgroup.WithContext(ctx)
	if n := e.Config.Assembly.SummaryConcurrency; n > 0 {
		g.SetLimit(n)
	}
	for i, p := range work {
		g.Go(func() error {
			narratives := make([]string, len(p.sources))
			for j, src := range p.sources {
				narratives[j] = src.NarrativeText
			}
			sum, err := e.Classifier.Summarize(gctx, classify.SummaryRequest{
				VesselID:   vesselID,
				DomainCode: p.domain,
				Bucket:     p.bucket,
				Narratives: narratives,
			})
			if errors.Is(err, classify.ErrNoMatch) {
				sum = classify.Summary{Text: strings.Join(narratives, " / ")}
			} else if err != nil {
				return ClassificationUnavailableError{Err: err}
			}
			if p.crossDomain {
				sum.Conflicting = true
			}
			ranked[i] = newRankedItem(p.bucket, p.domain, p.sources, sum)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rankItems(ranked), nil
}

// rankedItem carries the source timestamps used for ordering.
type rankedItem struct {
	item     domain.DraftItem
	severity int
	newest   string
	oldest   string
}

func newRankedItem(bucket, domainCode string, sources []domain.Entry, sum classify.Summary) rankedItem {
	var (
		ids  []string
		tags []string
	)
	newest, oldest := sources[0].CreatedAt, sources[0].CreatedAt
	for _, src := range sources {
		ids = append(ids, src.ID)
		tags = append(tags, src.RiskTags...)
		if src.CreatedAt > newest {
			newest = src.CreatedAt
		}
		if src.CreatedAt < oldest {
			oldest = src.CreatedAt
		}
	}
	tags = domain.NormalizeRiskTags(tags)
	level := domain.ConfidenceLevel(sum.Confidence)
	if sum.Conflicting {
		level = domain.ConfidenceLow
	}
	text := strings.TrimSpace(sum.Text)
	if text == "" {
		text = sources[0].NarrativeText
	}
	return rankedItem{
		item: domain.DraftItem{
			ID:              newID(),
			SectionBucket:   bucket,
			DomainCode:      domainCode,
			SummaryText:     text,
			SourceEntryIDs:  ids,
			RiskTags:        tags,
			ConfidenceLevel: level,
			ConflictFlag:    len(sources) > 1 || sum.Conflicting,
			UncertaintyFlag: level == domain.ConfidenceLow,
		},
		severity: domain.SeverityRank(tags),
		newest:   newest,
		oldest:   oldest,
	}
}

// rankItems orders items by bucket, then severity, most recent activity, and
// longest unresolved. item_order restarts at 1 in every bucket.
func rankItems(ranked []rankedItem) []domain.DraftItem {
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if oa, ob := domain.BucketOrder(a.item.SectionBucket), domain.BucketOrder(b.item.SectionBucket); oa != ob {
			return oa < ob
		}
		if a.severity != b.severity {
			return a.severity < b.severity
		}
		if a.newest != b.newest {
			return a.newest > b.newest
		}
		if a.oldest != b.oldest {
			return a.oldest < b.oldest
		}
		return a.item.SourceEntryIDs[0] < b.item.SourceEntryIDs[0]
	})
	items := make([]domain.DraftItem, len(ranked))
	order := map[string]int{}
	for i, r := range ranked {
		order[r.item.SectionBucket]++
		r.item.ItemOrder = order[r.item.SectionBucket]
		items[i] = r.item
	}
	return items
}

type commandRule struct {
	title string
	match func(domain.DraftItem) bool
}

var commandRules = []commandRule{
	{title: domain.CommandOperationalRisk, match: func(it domain.DraftItem) bool {
		return hasTag(it.RiskTags, domain.RiskSafetyCritical)
	}},
	{title: domain.CommandGuestExperience, match: func(it domain.DraftItem) bool {
		return hasTag(it.RiskTags, domain.RiskGuestImpacting) || it.SectionBucket == domain.BucketInterior
	}},
	{title: domain.CommandVesselReadiness, match: func(it domain.DraftItem) bool {
		return hasTag(it.RiskTags, domain.RiskComplianceCritical)
	}},
}

// synthesizeCommand derives up to three Command items from the rank <= 2
// items of the other buckets. Each references the underlying items and the
// union of their source entries.
func synthesizeCommand(items []domain.DraftItem) []domain.DraftItem {
	var severe []domain.DraftItem
	for _, it := range items {
		if domain.SeverityRank(it.RiskTags) <= 2 {
			severe = append(severe, it)
		}
	}
	var out []domain.DraftItem
	for _, rule := range commandRules {
		var matched []domain.DraftItem
		for _, it := range severe {
			if rule.match(it) {
				matched = append(matched, it)
			}
		}
		if len(matched) == 0 {
			continue
		}
		out = append(out, commandItem(rule.title, matched, len(out)+1))
	}
	return out
}

func commandItem(title string, matched []domain.DraftItem, order int) domain.DraftItem {
	var (
		sources []string
		derived []string
		tags    []string
		lines   []string
	)
	seen := map[string]struct{}{}
	level := domain.ConfidenceHigh
	uncertain := false
	for _, it := range matched {
		derived = append(derived, it.ID)
		tags = append(tags, it.RiskTags...)
		for _, id := range it.SourceEntryIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			sources = append(sources, id)
		}
		level = lowerConfidence(level, it.ConfidenceLevel)
		uncertain = uncertain || it.UncertaintyFlag || it.ConflictFlag
		lines = append(lines, fmt.Sprintf("[%s] %s", it.SectionBucket, it.SummaryText))
	}
	sort.Strings(sources)
	noun := "items"
	if len(matched) == 1 {
		noun = "item"
	}
	return domain.DraftItem{
		ID:              newID(),
		SectionBucket:   domain.BucketCommand,
		DomainCode:      domain.CommandDomainCodes[title],
		SummaryText:     fmt.Sprintf("%s: %d open %s. %s", title, len(matched), noun, strings.Join(lines, "; ")),
		SourceEntryIDs:  sources,
		DerivedItemIDs:  derived,
		RiskTags:        domain.NormalizeRiskTags(tags),
		ConfidenceLevel: level,
		ItemOrder:       order,
		UncertaintyFlag: uncertain,
	}
}

func lowerConfidence(a, b string) string {
	rank := map[string]int{domain.ConfidenceLow: 0, domain.ConfidenceMedium: 1, domain.ConfidenceHigh: 2}
	if rank[b] < rank[a] {
		return b
	}
	return a
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// persistDraft writes the draft, its sections, items, empty signoff,
// classification assignments and the generated event in one transaction.
func (e Engine) persistDraft(ctx context.Context, actor auth.Actor, d *domain.Draft, items []domain.DraftItem, assignments []assignment) error {
	ctx, tx, done, err := e.begin(ctx, "draft.persist")
	if err != nil {
		return err
	}
	defer done()

	for _, a := range assignments {
		ok, err := e.Repo.AssignClassification(ctx, tx, a.entryID, a.cls, d.GeneratedAt)
		if err != nil {
			return err
		}
		if ok {
			if err := e.emit(ctx, tx, events.EntryClassified, d.VesselID, "entry", a.entryID, actor, events.EventPayload{
				"primary_domain": a.cls.PrimaryDomain,
				"draft_id":       d.ID,
			}); err != nil {
				return err
			}
		}
	}
	if err := e.Repo.InsertDraft(ctx, tx, *d); err != nil {
		return fmt.Errorf("insert draft: %w", err)
	}
	if err := e.Repo.InsertSignoff(ctx, tx, domain.Signoff{ID: newID(), DraftID: d.ID}); err != nil {
		return err
	}
	present := map[string]bool{}
	for _, it := range items {
		present[it.SectionBucket] = true
	}
	counts := map[string]int{}
	for _, bucket := range domain.Buckets() {
		if !present[bucket] {
			continue
		}
		sec := domain.DraftSection{ID: newID(), DraftID: d.ID, BucketName: bucket, SectionOrder: domain.BucketOrder(bucket) + 1}
		if err := e.Repo.InsertSection(ctx, tx, sec); err != nil {
			return err
		}
	}
	for _, it := range items {
		it.DraftID = d.ID
		it.CreatedAt = d.GeneratedAt
		if err := e.Repo.InsertItem(ctx, tx, it); err != nil {
			return err
		}
		counts[it.SectionBucket]++
	}
	if err := e.emit(ctx, tx, events.DraftGenerated, d.VesselID, "draft", d.ID, actor, events.EventPayload{
		"period_start": d.PeriodStart,
		"period_end":   d.PeriodEnd,
		"items":        len(items),
		"sections":     counts,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// GetDraft returns the draft with sections, items (superseded included) and
// signoff.
func (e Engine) GetDraft(ctx context.Context, actor auth.Actor, id string) (domain.Draft, error) {
	if err := e.authorize(actor, config.PermDraftRead); err != nil {
		return domain.Draft{}, err
	}
	d, err := e.Repo.LoadDraft(ctx, nil, id)
	if err != nil {
		return d, notFound("draft", id, err)
	}
	if err := inVessel(actor, d.VesselID, "draft", id); err != nil {
		return domain.Draft{}, err
	}
	return d, nil
}

type DraftListOptions struct {
	State string
	Limit int
}

func (e Engine) ListDrafts(ctx context.Context, actor auth.Actor, opts DraftListOptions) ([]domain.Draft, error) {
	if err := e.authorize(actor, config.PermDraftRead); err != nil {
		return nil, err
	}
	return e.Repo.ListDrafts(ctx, repo.DraftFilter{VesselID: actor.VesselID, State: opts.State, Limit: opts.Limit})
}
