package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"watchkeeper/internal/blobstore"
	"watchkeeper/internal/classify"
	"watchkeeper/internal/config"
	"watchkeeper/internal/db"
	"watchkeeper/internal/delivery"
	"watchkeeper/internal/domain"
	"watchkeeper/internal/engine"
	"watchkeeper/internal/engine/auth"
	"watchkeeper/internal/migrate"
)

const vessel = "MY-ARIA"

var (
	outgoing = auth.Actor{UserID: "user-a", Role: "captain", VesselID: vessel}
	incoming = auth.Actor{UserID: "user-b", Role: "chief_officer", VesselID: vessel}
	crew     = auth.Actor{UserID: "deckhand-1", Role: "crew", VesselID: vessel}
	stranger = auth.Actor{UserID: "user-z", Role: "captain", VesselID: "MY-OTHER"}
)

type testEnv struct {
	Engine     engine.Engine
	Ctx        context.Context
	Blobs      *blobstore.Store
	Deliveries *delivery.Recorder
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, config.Default(vessel))
}

func newTestEnvWithConfig(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC) }
	blobs, err := blobstore.New(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("blobstore: %v", err)
	}
	eng.Blobs = blobs
	rec := &delivery.Recorder{}
	eng.Deliverer = rec
	return testEnv{Engine: eng, Ctx: context.Background(), Blobs: blobs, Deliveries: rec}
}

func (env testEnv) confirmedEntry(t *testing.T, text, domainCode string, tags ...string) domain.Entry {
	t.Helper()
	if len(tags) == 0 {
		tags = []string{domain.RiskInformational}
	}
	entry, err := env.Engine.CreateEntry(env.Ctx, crew, engine.EntryCreateOptions{
		Narrative: text,
		Hint:      &classify.Classification{PrimaryDomain: domainCode, RiskTags: tags, Confidence: 0.9},
	})
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if _, err := env.Engine.ConfirmEntry(env.Ctx, outgoing, entry.ID); err != nil {
		t.Fatalf("confirm entry: %v", err)
	}
	return entry
}

// scenarioEntries seeds two engineering entries and one deck entry with no
// near-duplicates between them.
func (env testEnv) scenarioEntries(t *testing.T) []domain.Entry {
	t.Helper()
	return []domain.Entry{
		env.confirmedEntry(t, "Port main engine turbocharger inspected, bearings within tolerance", "ENG-01"),
		env.confirmedEntry(t, "Starboard shaft seal weeping slightly; monitor bilge level each watch", "ENG-01"),
		env.confirmedEntry(t, "Teak deck recaulking finished on the aft sundeck", "DECK-03"),
	}
}

func (env testEnv) acceptedDraft(t *testing.T) domain.Draft {
	t.Helper()
	env.scenarioEntries(t)
	d, created, err := env.Engine.GenerateDraft(env.Ctx, outgoing, engine.GenerateOptions{})
	if err != nil || !created {
		t.Fatalf("generate: created=%v err=%v", created, err)
	}
	if _, err := env.Engine.StartReview(env.Ctx, outgoing, d.ID, 0); err != nil {
		t.Fatalf("review: %v", err)
	}
	d, err = env.Engine.Accept(env.Ctx, outgoing, d.ID, true, 0)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return d
}

func (env testEnv) signedDraft(t *testing.T) domain.Draft {
	t.Helper()
	d := env.acceptedDraft(t)
	d, err := env.Engine.Sign(env.Ctx, incoming, d.ID, true, 0)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return d
}

func liveItems(d domain.Draft) []domain.DraftItem {
	var out []domain.DraftItem
	for _, sec := range d.Sections {
		for _, it := range sec.Items {
			if it.SupersededBy == nil {
				out = append(out, it)
			}
		}
	}
	return out
}

func transitionCode(err error) string {
	var te engine.InvalidTransitionError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

func activeDraftCount(t *testing.T, env testEnv) int {
	t.Helper()
	var n int
	if err := env.Engine.DB.QueryRow(`SELECT count(*) FROM drafts WHERE vessel_id=? AND state IN ('DRAFT','IN_REVIEW','ACCEPTED')`, vessel).Scan(&n); err != nil {
		t.Fatalf("count drafts: %v", err)
	}
	return n
}

func TestGenerateDraftGroupsConfirmedEntries(t *testing.T) {
	env := newTestEnv(t)
	entries := env.scenarioEntries(t)

	unconfirmed, err := env.Engine.CreateEntry(env.Ctx, crew, engine.EntryCreateOptions{
		Narrative: "Galley fridge door gasket torn",
		Hint:      &classify.Classification{PrimaryDomain: "INT-03", RiskTags: []string{domain.RiskInformational}},
	})
	if err != nil {
		t.Fatal(err)
	}
	dismissed := env.confirmedEntry(t, "Crew mess coffee machine descaled", "INT-03")
	if _, err := env.Engine.DismissEntry(env.Ctx, outgoing, dismissed.ID, "not handover material"); err != nil {
		t.Fatalf("dismiss: %v", err)
	}

	d, created, err := env.Engine.GenerateDraft(env.Ctx, outgoing, engine.GenerateOptions{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !created || d.State != domain.DraftStateDraft || d.Version != 1 {
		t.Fatalf("unexpected draft: created=%v state=%s version=%d", created, d.State, d.Version)
	}
	if len(d.Sections) != 2 || d.Sections[0].BucketName != domain.BucketEngineering || d.Sections[1].BucketName != domain.BucketDeck {
		t.Fatalf("expected Engineering then Deck, got %+v", d.Sections)
	}
	items := liveItems(d)
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	seen := map[string]bool{}
	for _, it := range items {
		if len(it.SourceEntryIDs) == 0 {
			t.Fatalf("item %s has no sources", it.ID)
		}
		if it.ConflictFlag {
			t.Fatalf("item %s unexpectedly flagged as duplicate", it.ID)
		}
		for _, id := range it.SourceEntryIDs {
			seen[id] = true
		}
	}
	for _, e := range entries {
		if !seen[e.ID] {
			t.Fatalf("entry %s missing from draft", e.ID)
		}
	}
	if seen[unconfirmed.ID] || seen[dismissed.ID] {
		t.Fatalf("unconfirmed or dismissed entry included")
	}
}

func TestNewWithoutConfigUsesDefaults(t *testing.T) {
	env := newTestEnvWithConfig(t, nil)
	if env.Engine.Config == nil {
		t.Fatalf("engine kept a nil config")
	}
	env.scenarioEntries(t)
	d, created, err := env.Engine.GenerateDraft(env.Ctx, outgoing, engine.GenerateOptions{})
	if err != nil || !created || len(liveItems(d)) != 3 {
		t.Fatalf("generate with default config: created=%v err=%v", created, err)
	}
}

func TestDismissOnlyCandidates(t *testing.T) {
	env := newTestEnv(t)
	entry := env.confirmedEntry(t, "Crew mess coffee machine descaled", "INT-03")
	dismissed, err := env.Engine.DismissEntry(env.Ctx, outgoing, entry.ID, "noise")
	if err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if dismissed.Status != domain.EntrySuppressed {
		t.Fatalf("expected suppressed, got %s", dismissed.Status)
	}
	_, err = env.Engine.ConfirmEntry(env.Ctx, outgoing, entry.ID)
	if transitionCode(err) != engine.CodeEntryNotCandidate {
		t.Fatalf("expected entry_not_candidate, got %v", err)
	}
	if _, err := env.Engine.DismissEntry(env.Ctx, crew, entry.ID, "again"); err == nil {
		t.Fatalf("crew should not triage entries")
	}
}

func TestAcceptFreezesItems(t *testing.T) {
	env := newTestEnv(t)
	env.scenarioEntries(t)
	d, _, err := env.Engine.GenerateDraft(env.Ctx, outgoing, engine.GenerateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	item := liveItems(d)[0]
	if _, err := env.Engine.EditItem(env.Ctx, outgoing, d.ID, item.ID, engine.EditRequest{Text: "too early"}); transitionCode(err) != engine.CodeDraftFrozen {
		t.Fatalf("edit in DRAFT should be frozen, got %v", err)
	}
	if _, err := env.Engine.StartReview(env.Ctx, outgoing, d.ID, 0); err != nil {
		t.Fatalf("review: %v", err)
	}
	edited, err := env.Engine.EditItem(env.Ctx, outgoing, d.ID, item.ID, engine.EditRequest{Text: "Turbo bearings checked and fine", Reason: "clarity"})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.DomainCode != item.DomainCode || edited.SectionBucket != item.SectionBucket {
		t.Fatalf("classification changed by edit")
	}
	edits, err := env.Engine.ListEdits(env.Ctx, outgoing, d.ID, item.ID)
	if err != nil || len(edits) != 1 || edits[0].OriginalText != item.SummaryText || edits[0].EditedText != "Turbo bearings checked and fine" {
		t.Fatalf("edit record missing: %+v err=%v", edits, err)
	}

	accepted, err := env.Engine.Accept(env.Ctx, outgoing, d.ID, true, 0)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.State != domain.DraftStateAccepted || accepted.Signoff == nil || deref(accepted.Signoff.OutgoingUserID) != outgoing.UserID {
		t.Fatalf("accept did not record outgoing signature: %+v", accepted.Signoff)
	}
	_, err = env.Engine.EditItem(env.Ctx, outgoing, d.ID, item.ID, engine.EditRequest{Text: "late change"})
	if transitionCode(err) != engine.CodeDraftFrozen {
		t.Fatalf("expected draft_frozen after accept, got %v", err)
	}
	if _, err := env.Engine.DB.Exec(`UPDATE draft_items SET summary_text='sneaky' WHERE id=?`, item.ID); err == nil {
		t.Fatalf("database accepted an item update outside review")
	}
	if _, err := env.Engine.DB.Exec(`UPDATE draft_edits SET edited_text='x'`); err == nil {
		t.Fatalf("draft_edits must be append-only")
	}
}

func TestSignComputesHashOnce(t *testing.T) {
	env := newTestEnv(t)
	d := env.acceptedDraft(t)
	if _, err := env.Engine.Sign(env.Ctx, outgoing, d.ID, true, 0); transitionCode(err) != engine.CodeWrongSignatory {
		t.Fatalf("outgoing signatory must not countersign, got %v", err)
	}
	signed, err := env.Engine.Sign(env.Ctx, incoming, d.ID, true, 0)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if signed.State != domain.DraftStateSigned || signed.Signoff == nil || signed.Signoff.DocumentHash == nil {
		t.Fatalf("sign did not seal: %+v", signed.Signoff)
	}
	if !regexp.MustCompile(`^[0-9a-f]{64}$`).MatchString(*signed.Signoff.DocumentHash) {
		t.Fatalf("bad hash %q", *signed.Signoff.DocumentHash)
	}
	_, err = env.Engine.Sign(env.Ctx, incoming, d.ID, true, 0)
	if transitionCode(err) != engine.CodeInvalidTransition {
		t.Fatalf("second sign should be an invalid transition, got %v", err)
	}
	if _, err := env.Engine.Reopen(env.Ctx, outgoing, d.ID, "typo", 0); transitionCode(err) != engine.CodeInvalidTransition {
		t.Fatalf("reopen after signing should fail, got %v", err)
	}
	live := liveItems(signed)
	if len(live) < 2 {
		t.Fatalf("expected at least 2 items, got %d", len(live))
	}
	if _, err := env.Engine.EditItem(env.Ctx, outgoing, d.ID, live[0].ID, engine.EditRequest{Text: "after the fact"}); transitionCode(err) != engine.CodeDraftFrozen {
		t.Fatalf("edit of signed draft should be frozen, got %v", err)
	}
	_, err = env.Engine.MergeItems(env.Ctx, outgoing, d.ID, engine.MergeRequest{ItemIDs: []string{live[0].ID, live[1].ID}, MergedText: "combined"})
	if transitionCode(err) != engine.CodeDraftFrozen {
		t.Fatalf("merge in signed draft should be frozen, got %v", err)
	}
	for _, it := range liveItems(signed) {
		for _, id := range it.SourceEntryIDs {
			entry, err := env.Engine.GetEntry(env.Ctx, outgoing, id)
			if err != nil || entry.Status != domain.EntryResolved {
				t.Fatalf("entry %s not resolved after sign: %v", id, err)
			}
		}
	}
	if _, err := env.Engine.DB.Exec(`UPDATE signoffs SET document_hash='00' WHERE draft_id=?`, d.ID); err == nil {
		t.Fatalf("sealed signoff was updated")
	}
}

func TestExportTwiceProducesDistinctRecords(t *testing.T) {
	env := newTestEnv(t)
	d := env.signedDraft(t)
	hash := *d.Signoff.DocumentHash

	pdf, err := env.Engine.Export(env.Ctx, outgoing, d.ID, engine.ExportOptions{Format: domain.ExportPDF})
	if err != nil {
		t.Fatalf("export pdf: %v", err)
	}
	if !pdf.Created || pdf.Export.StoragePath == "" || pdf.Export.DocumentHash != hash {
		t.Fatalf("unexpected pdf export %+v", pdf.Export)
	}
	again, err := env.Engine.Export(env.Ctx, outgoing, d.ID, engine.ExportOptions{Format: domain.ExportPDF})
	if err != nil || again.Created || again.Export.ID != pdf.Export.ID {
		t.Fatalf("retry within window should return the same export: %+v err=%v", again, err)
	}
	html, err := env.Engine.Export(env.Ctx, outgoing, d.ID, engine.ExportOptions{Format: domain.ExportHTML})
	if err != nil {
		t.Fatalf("export html: %v", err)
	}
	if html.Export.ID == pdf.Export.ID || html.Export.DocumentHash != hash {
		t.Fatalf("html export should be distinct with the same hash")
	}
	regen, err := env.Engine.Export(env.Ctx, outgoing, d.ID, engine.ExportOptions{Format: domain.ExportPDF, Regenerate: true})
	if err != nil || !regen.Created || regen.Export.ID == pdf.Export.ID {
		t.Fatalf("regenerate should create a new export: %+v err=%v", regen, err)
	}

	snapshot, err := env.Blobs.Get(*d.Signoff.SnapshotPath)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if domain.HashBytes(snapshot) != hash {
		t.Fatalf("stored snapshot no longer matches signed hash")
	}
	exports, err := env.Engine.ListExports(env.Ctx, outgoing, d.ID)
	if err != nil || len(exports) != 3 {
		t.Fatalf("expected 3 exports, got %d (%v)", len(exports), err)
	}
	final, err := env.Engine.GetDraft(env.Ctx, outgoing, d.ID)
	if err != nil || final.State != domain.DraftStateExported {
		t.Fatalf("expected EXPORTED, got %s (%v)", final.State, err)
	}
}

func TestConcurrentExportStoresOneArtifact(t *testing.T) {
	env := newTestEnv(t)
	d := env.signedDraft(t)
	var wg sync.WaitGroup
	ids := make([]string, 4)
	errs := make([]error, 4)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.Engine.Export(env.Ctx, outgoing, d.ID, engine.ExportOptions{Format: domain.ExportPDF})
			ids[i], errs[i] = res.Export.ID, err
		}(i)
	}
	wg.Wait()
	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("export %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("concurrent identical exports returned different records")
		}
	}
	files, err := os.ReadDir(filepath.Join(env.Blobs.Root, "exports", vessel, d.ID))
	if err != nil {
		t.Fatalf("read export dir: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 stored artifact, got %d", len(files))
	}
}

func TestExportGating(t *testing.T) {
	env := newTestEnv(t)
	env.scenarioEntries(t)
	d, _, err := env.Engine.GenerateDraft(env.Ctx, outgoing, engine.GenerateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	try := func(state string) {
		t.Helper()
		_, err := env.Engine.Export(env.Ctx, outgoing, d.ID, engine.ExportOptions{Format: domain.ExportPDF})
		if transitionCode(err) != engine.CodeInvalidTransition {
			t.Fatalf("export in %s: expected invalid transition, got %v", state, err)
		}
	}
	try(domain.DraftStateDraft)
	if _, err := env.Engine.StartReview(env.Ctx, outgoing, d.ID, 0); err != nil {
		t.Fatal(err)
	}
	try(domain.DraftStateInReview)
	if _, err := env.Engine.Accept(env.Ctx, outgoing, d.ID, true, 0); err != nil {
		t.Fatal(err)
	}
	try(domain.DraftStateAccepted)
	exports, err := env.Engine.ListExports(env.Ctx, outgoing, d.ID)
	if err != nil || len(exports) != 0 {
		t.Fatalf("gated exports left records: %d (%v)", len(exports), err)
	}
}

func TestGenerateReturnsActiveDraft(t *testing.T) {
	env := newTestEnv(t)
	env.scenarioEntries(t)
	first, created, err := env.Engine.GenerateDraft(env.Ctx, outgoing, engine.GenerateOptions{})
	if err != nil || !created {
		t.Fatalf("generate: %v", err)
	}
	again, created, err := env.Engine.GenerateDraft(env.Ctx, outgoing, engine.GenerateOptions{})
	if err != nil || created || again.ID != first.ID {
		t.Fatalf("second generate should return the same draft: created=%v id=%s err=%v", created, again.ID, err)
	}
	if _, err := env.Engine.StartReview(env.Ctx, outgoing, first.ID, 0); err != nil {
		t.Fatal(err)
	}
	env.confirmedEntry(t, "Anchor windlass brake band adjusted", "DECK-02")
	during, created, err := env.Engine.GenerateDraft(env.Ctx, incoming, engine.GenerateOptions{})
	if err != nil || created || during.ID != first.ID || during.State != domain.DraftStateInReview {
		t.Fatalf("generate during review should return the active draft: %+v err=%v", during, err)
	}
	if n := activeDraftCount(t, env); n != 1 {
		t.Fatalf("expected 1 active draft, got %d", n)
	}
}

func TestConcurrentGenerateCreatesOneDraft(t *testing.T) {
	env := newTestEnv(t)
	env.scenarioEntries(t)
	var wg sync.WaitGroup
	ids := make([]string, 4)
	errs := make([]error, 4)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, _, err := env.Engine.GenerateDraft(env.Ctx, outgoing, engine.GenerateOptions{})
			ids[i], errs[i] = d.ID, err
		}(i)
	}
	wg.Wait()
	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("generate %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("concurrent generations returned different drafts")
		}
	}
	if n := activeDraftCount(t, env); n != 1 {
		t.Fatalf("expected 1 active draft, got %d", n)
	}
}

func TestConcurrentAcceptExactlyOneSucceeds(t *testing.T) {
	env := newTestEnv(t)
	env.scenarioEntries(t)
	d, _, err := env.Engine.GenerateDraft(env.Ctx, outgoing, engine.GenerateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.StartReview(env.Ctx, outgoing, d.ID, 0); err != nil {
		t.Fatal(err)
	}
	other := auth.Actor{UserID: "user-c", Role: "chief_engineer", VesselID: vessel}
	actors := []auth.Actor{outgoing, other}
	errs := make([]error, len(actors))
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, a := range actors {
		wg.Add(1)
		go func(i int, a auth.Actor) {
			defer wg.Done()
			<-start
			_, errs[i] = env.Engine.Accept(env.Ctx, a, d.ID, true, 0)
		}(i, a)
	}
	close(start)
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, engine.ErrConcurrencyConflict), transitionCode(err) == engine.CodeInvalidTransition:
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one accept, got %d", succeeded)
	}
	final, err := env.Engine.GetDraft(env.Ctx, outgoing, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.State != domain.DraftStateAccepted || final.Signoff == nil || final.Signoff.OutgoingUserID == nil {
		t.Fatalf("accepted draft lacks a definite outgoing signatory: %+v", final.Signoff)
	}
}

func TestDuplicatesArePreMergedAndBlockAccept(t *testing.T) {
	env := newTestEnv(t)
	a := env.confirmedEntry(t, "Generator two tripping on high load during dinner service", "ENG-02")
	b := env.confirmedEntry(t, "Generator two tripping on high load during the dinner service", "ENG-02")
	d, _, err := env.Engine.GenerateDraft(env.Ctx, outgoing, engine.GenerateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	items := liveItems(d)
	if len(items) != 1 || len(items[0].SourceEntryIDs) != 2 || !items[0].ConflictFlag {
		t.Fatalf("expected one pre-merged flagged item, got %+v", items)
	}
	merged := items[0]
	if _, err := env.Engine.StartReview(env.Ctx, outgoing, d.ID, 0); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Accept(env.Ctx, outgoing, d.ID, true, 0)
	if transitionCode(err) != engine.CodeUnresolvedConflicts {
		t.Fatalf("expected unresolved_conflicts, got %v", err)
	}

	parts, err := env.Engine.SplitItem(env.Ctx, outgoing, d.ID, merged.ID, engine.SplitRequest{Partitions: []engine.SplitPartition{
		{EntryIDs: []string{a.ID}, Text: "Generator 2 tripped at dinner (Monday)"},
		{EntryIDs: []string{b.ID}, Text: "Generator 2 tripped at dinner (Tuesday)"},
	}})
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(parts) != 2 || parts[0].ConflictFlag || parts[1].ConflictFlag {
		t.Fatalf("unexpected split result %+v", parts)
	}
	reloaded, err := env.Engine.GetDraft(env.Ctx, outgoing, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n := len(liveItems(reloaded)); n != 2 {
		t.Fatalf("expected 2 live items after split, got %d", n)
	}
	if _, err := env.Engine.Accept(env.Ctx, outgoing, d.ID, true, 0); err != nil {
		t.Fatalf("accept after split: %v", err)
	}
}

func TestCrossDomainDuplicatesAreFlagged(t *testing.T) {
	env := newTestEnv(t)
	env.confirmedEntry(t, "Generator two exhaust leak found at the turbo flange gasket", "ENG-01")
	env.confirmedEntry(t, "Generator two exhaust leak found at the turbo flange gasket", "ENG-02")
	d, _, err := env.Engine.GenerateDraft(env.Ctx, outgoing, engine.GenerateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	items := liveItems(d)
	if len(items) != 2 {
		t.Fatalf("expected one item per domain, got %d", len(items))
	}
	domains := map[string]bool{}
	for _, it := range items {
		domains[it.DomainCode] = true
		if !it.ConflictFlag || it.ConfidenceLevel != domain.ConfidenceLow || len(it.SourceEntryIDs) != 1 {
			t.Fatalf("cross-domain duplicate not flagged: %+v", it)
		}
	}
	if !domains["ENG-01"] || !domains["ENG-02"] {
		t.Fatalf("expected ENG-01 and ENG-02 items, got %v", domains)
	}
	if _, err := env.Engine.StartReview(env.Ctx, outgoing, d.ID, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Accept(env.Ctx, outgoing, d.ID, true, 0); transitionCode(err) != engine.CodeUnresolvedConflicts {
		t.Fatalf("expected unresolved_conflicts, got %v", err)
	}
	for _, it := range items {
		if _, err := env.Engine.ResolveItem(env.Ctx, outgoing, d.ID, it.ID, engine.ResolveRequest{Note: "separate systems"}); err != nil {
			t.Fatalf("resolve %s: %v", it.ID, err)
		}
	}
	if _, err := env.Engine.Accept(env.Ctx, outgoing, d.ID, true, 0); err != nil {
		t.Fatalf("accept after resolve: %v", err)
	}
}

func TestMergeUnionsSourcesAndKeepsOriginals(t *testing.T) {
	env := newTestEnv(t)
	env.scenarioEntries(t)
	d, _, err := env.Engine.GenerateDraft(env.Ctx, outgoing, engine.GenerateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.StartReview(env.Ctx, outgoing, d.ID, 0); err != nil {
		t.Fatal(err)
	}
	var eng []domain.DraftItem
	var deck domain.DraftItem
	for _, it := range liveItems(d) {
		if it.SectionBucket == domain.BucketEngineering {
			eng = append(eng, it)
		} else {
			deck = it
		}
	}
	ids := []string{eng[0].ID, eng[1].ID}
	if _, err := env.Engine.MergeItems(env.Ctx, outgoing, d.ID, engine.MergeRequest{ItemIDs: ids}); err == nil {
		t.Fatalf("merge without merged_text should fail")
	}
	if _, err := env.Engine.MergeItems(env.Ctx, outgoing, d.ID, engine.MergeRequest{ItemIDs: []string{eng[0].ID, deck.ID}, MergedText: "x"}); err == nil {
		t.Fatalf("merge across sections should fail")
	}
	merged, err := env.Engine.MergeItems(env.Ctx, outgoing, d.ID, engine.MergeRequest{ItemIDs: ids, MergedText: "Propulsion: turbo fine, shaft seal weeping"})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(merged.SourceEntryIDs) != 2 {
		t.Fatalf("merged item should carry both sources, got %v", merged.SourceEntryIDs)
	}
	reloaded, err := env.Engine.GetDraft(env.Ctx, outgoing, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	superseded := 0
	for _, sec := range reloaded.Sections {
		for _, it := range sec.Items {
			if it.SupersededBy != nil && *it.SupersededBy == merged.ID {
				superseded++
			}
		}
	}
	if superseded != 2 {
		t.Fatalf("originals should be kept and superseded, got %d", superseded)
	}
	edits, err := env.Engine.ListEdits(env.Ctx, outgoing, d.ID, "")
	if err != nil || len(edits) != 2 || edits[0].Kind != domain.EditMerge {
		t.Fatalf("expected two merge edits, got %+v (%v)", edits, err)
	}
}

func TestCommandSynthesis(t *testing.T) {
	env := newTestEnv(t)
	smoke := env.confirmedEntry(t, "Smoke from main engine exhaust lagging after start", "ENG-01", domain.RiskSafetyCritical)
	cert := env.confirmedEntry(t, "Guest cabin fire dampers overdue for annual certification", "INT-01", domain.RiskComplianceCritical)
	env.confirmedEntry(t, "Tender hull polished", "DECK-01")

	d, _, err := env.Engine.GenerateDraft(env.Ctx, outgoing, engine.GenerateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if d.Sections[0].BucketName != domain.BucketCommand {
		t.Fatalf("Command section should come first, got %s", d.Sections[0].BucketName)
	}
	cmd := d.Sections[0].Items
	if len(cmd) != 3 {
		t.Fatalf("expected 3 command items, got %d", len(cmd))
	}
	want := map[string][]string{
		"CMD-01": {smoke.ID},
		"CMD-02": {cert.ID},
		"CMD-03": {cert.ID},
	}
	for _, it := range cmd {
		sources, ok := want[it.DomainCode]
		if !ok {
			t.Fatalf("unexpected command item %s", it.DomainCode)
		}
		if len(it.SourceEntryIDs) != len(sources) || it.SourceEntryIDs[0] != sources[0] || len(it.DerivedItemIDs) != 1 {
			t.Fatalf("command item %s has sources %v derived %v", it.DomainCode, it.SourceEntryIDs, it.DerivedItemIDs)
		}
	}
}

func TestRankingOrdersBySeverityThenRecency(t *testing.T) {
	env := newTestEnv(t)
	base := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	at := func(h int) func() time.Time { return func() time.Time { return base.Add(time.Duration(h) * time.Hour) } }

	env.Engine.Now = at(-5)
	older := env.confirmedEntry(t, "Bilge alarm sensor replaced in engine room", "ENG-05")
	env.Engine.Now = at(-2)
	newer := env.confirmedEntry(t, "Watermaker membrane pressure creeping up", "ENG-05")
	env.Engine.Now = at(-8)
	critical := env.confirmedEntry(t, "Sewage treatment plant vent blocked, gas smell", "ENG-05", domain.RiskSafetyCritical)
	env.Engine.Now = at(0)

	d, _, err := env.Engine.GenerateDraft(env.Ctx, outgoing, engine.GenerateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	var order []string
	for _, sec := range d.Sections {
		if sec.BucketName != domain.BucketEngineering {
			continue
		}
		for _, it := range sec.Items {
			order = append(order, it.SourceEntryIDs[0])
		}
	}
	want := []string{critical.ID, newer.ID, older.ID}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("rank %d: want %s got %s", i+1, want[i], order[i])
		}
	}
}

type unavailable struct{}

func (unavailable) Classify(context.Context, classify.Request) (classify.Classification, error) {
	return classify.Classification{}, classify.ErrUnavailable
}

func (unavailable) Summarize(context.Context, classify.SummaryRequest) (classify.Summary, error) {
	return classify.Summary{}, classify.ErrUnavailable
}

func TestClassifierUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Classifier = unavailable{}
	entry, err := env.Engine.CreateEntry(env.Ctx, crew, engine.EntryCreateOptions{Narrative: "Stern thruster making grinding noise"})
	var cu engine.ClassificationUnavailableError
	if !errors.As(err, &cu) {
		t.Fatalf("expected ClassificationUnavailableError, got %v", err)
	}
	if entry.ID == "" || entry.Classified() || !entry.ClassificationFlagged || entry.Status != domain.EntryCandidate {
		t.Fatalf("entry should be saved unclassified and flagged: %+v", entry)
	}
	stored, err := env.Engine.GetEntry(env.Ctx, crew, entry.ID)
	if err != nil || stored.Classified() {
		t.Fatalf("stored entry: %+v (%v)", stored, err)
	}
	if _, err := env.Engine.ConfirmEntry(env.Ctx, outgoing, entry.ID); err != nil {
		t.Fatal(err)
	}
	_, _, err = env.Engine.GenerateDraft(env.Ctx, outgoing, engine.GenerateOptions{})
	if !errors.As(err, &cu) {
		t.Fatalf("assembly should abort, got %v", err)
	}
	drafts, err := env.Engine.ListDrafts(env.Ctx, outgoing, engine.DraftListOptions{})
	if err != nil || len(drafts) != 0 {
		t.Fatalf("no partial draft should exist, got %d (%v)", len(drafts), err)
	}

	assigned, err := env.Engine.AssignClassification(env.Ctx, outgoing, entry.ID, engine.AssignOptions{Domain: "DECK-05"})
	if err != nil || deref(assigned.PrimaryDomain) != "DECK-05" || assigned.ClassificationFlagged {
		t.Fatalf("manual assignment: %+v (%v)", assigned, err)
	}
	_, err = env.Engine.AssignClassification(env.Ctx, outgoing, entry.ID, engine.AssignOptions{Domain: "ENG-01"})
	if transitionCode(err) != engine.CodeAlreadyClassified {
		t.Fatalf("expected already_classified, got %v", err)
	}
}

func TestFlagClassificationKeepsDomain(t *testing.T) {
	env := newTestEnv(t)
	entry := env.confirmedEntry(t, "Satcom dome heater fault", "ETO-02")
	corr, err := env.Engine.FlagClassification(env.Ctx, crew, entry.ID, engine.CorrectionRequest{RequestedDomain: "ETO-04", Reason: "it is the network switch"})
	if err != nil {
		t.Fatalf("flag: %v", err)
	}
	stored, err := env.Engine.GetEntry(env.Ctx, crew, entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if deref(stored.PrimaryDomain) != "ETO-02" || !stored.ClassificationFlagged {
		t.Fatalf("flag must not change domain: %+v", stored)
	}
	corrections, err := env.Engine.ListCorrections(env.Ctx, crew, entry.ID)
	if err != nil || len(corrections) != 1 || corrections[0].ID != corr.ID {
		t.Fatalf("correction not logged: %+v (%v)", corrections, err)
	}
	if _, err := env.Engine.DB.Exec(`UPDATE entries SET narrative_text='rewritten' WHERE id=?`, entry.ID); err == nil {
		t.Fatalf("narrative must be immutable")
	}
	if _, err := env.Engine.DB.Exec(`DELETE FROM entries WHERE id=?`, entry.ID); err == nil {
		t.Fatalf("entries must not be deleted")
	}
}

func TestSignoffGuards(t *testing.T) {
	env := newTestEnv(t)
	env.scenarioEntries(t)
	d, _, err := env.Engine.GenerateDraft(env.Ctx, outgoing, engine.GenerateOptions{OutgoingUserID: outgoing.UserID, IncomingUserID: incoming.UserID})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Accept(env.Ctx, outgoing, d.ID, true, 0); transitionCode(err) != engine.CodeInvalidTransition {
		t.Fatalf("accept from DRAFT should fail, got %v", err)
	}
	if _, err := env.Engine.StartReview(env.Ctx, outgoing, d.ID, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Accept(env.Ctx, outgoing, d.ID, false, 0); transitionCode(err) != engine.CodeConfirmationRequired {
		t.Fatalf("expected confirmation_required, got %v", err)
	}
	var forbidden auth.ForbiddenError
	if _, err := env.Engine.Accept(env.Ctx, crew, d.ID, true, 0); !errors.As(err, &forbidden) {
		t.Fatalf("crew accept should be forbidden, got %v", err)
	}
	other := auth.Actor{UserID: "user-c", Role: "chief_engineer", VesselID: vessel}
	if _, err := env.Engine.Accept(env.Ctx, other, d.ID, true, 0); transitionCode(err) != engine.CodeWrongSignatory {
		t.Fatalf("expected wrong_signatory, got %v", err)
	}
	if _, err := env.Engine.Accept(env.Ctx, stranger, d.ID, true, 0); !errors.As(err, new(engine.NotFoundError)) {
		t.Fatalf("other vessel should see not found, got %v", err)
	}
	if _, err := env.Engine.Accept(env.Ctx, outgoing, d.ID, true, 99); !errors.Is(err, engine.ErrConcurrencyConflict) {
		t.Fatalf("stale version should conflict, got %v", err)
	}
	if _, err := env.Engine.Accept(env.Ctx, outgoing, d.ID, true, 0); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := env.Engine.Sign(env.Ctx, other, d.ID, true, 0); transitionCode(err) != engine.CodeWrongSignatory {
		t.Fatalf("expected wrong_signatory on sign, got %v", err)
	}
	if _, err := env.Engine.Sign(env.Ctx, incoming, d.ID, false, 0); transitionCode(err) != engine.CodeConfirmationRequired {
		t.Fatalf("expected confirmation_required on sign, got %v", err)
	}
}

func TestReopenClearsOutgoingSignature(t *testing.T) {
	env := newTestEnv(t)
	d := env.acceptedDraft(t)
	if _, err := env.Engine.Reopen(env.Ctx, outgoing, d.ID, "", 0); err == nil {
		t.Fatalf("reopen without reason should fail")
	}
	reopened, err := env.Engine.Reopen(env.Ctx, outgoing, d.ID, "missed the tender fuel leak", 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.State != domain.DraftStateInReview {
		t.Fatalf("expected IN_REVIEW, got %s", reopened.State)
	}
	full, err := env.Engine.GetDraft(env.Ctx, outgoing, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if full.Signoff == nil || full.Signoff.OutgoingUserID != nil || full.Signoff.OutgoingSignedAt != nil {
		t.Fatalf("outgoing signature should be cleared: %+v", full.Signoff)
	}
	if _, err := env.Engine.Sign(env.Ctx, incoming, d.ID, true, 0); transitionCode(err) != engine.CodeInvalidTransition {
		t.Fatalf("sign from IN_REVIEW should fail, got %v", err)
	}
}

func TestExportDetectsTamperedSnapshot(t *testing.T) {
	env := newTestEnv(t)
	d := env.signedDraft(t)
	path := filepath.Join(env.Blobs.Root, filepath.FromSlash(*d.Signoff.SnapshotPath))
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(`{"format":1,"sections":[]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Export(env.Ctx, outgoing, d.ID, engine.ExportOptions{Format: domain.ExportHTML})
	var integrity engine.SnapshotIntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("expected SnapshotIntegrityError, got %v", err)
	}
	exports, err := env.Engine.ListExports(env.Ctx, outgoing, d.ID)
	if err != nil || len(exports) != 0 {
		t.Fatalf("no export should be recorded, got %d (%v)", len(exports), err)
	}
	var n int
	if err := env.Engine.DB.QueryRow(`SELECT count(*) FROM events WHERE type='export.integrity_violation' AND entity_id=?`, d.ID).Scan(&n); err != nil || n != 1 {
		t.Fatalf("integrity violation should be recorded, got %d (%v)", n, err)
	}
}

func TestEmailExportRetryDelivery(t *testing.T) {
	env := newTestEnv(t)
	d := env.signedDraft(t)
	if _, err := env.Engine.Export(env.Ctx, outgoing, d.ID, engine.ExportOptions{Format: domain.ExportEmail}); err == nil {
		t.Fatalf("email export without recipients should fail")
	}
	env.Deliveries.SetErr(errors.New("relay down"))
	res, err := env.Engine.Export(env.Ctx, outgoing, d.ID, engine.ExportOptions{
		Format:     domain.ExportEmail,
		Recipients: []string{"Captain <captain@aria.example>", "purser@aria.example"},
	})
	if err != nil {
		t.Fatalf("export email: %v", err)
	}
	if res.Delivery == nil || res.Delivery.Status != "failed" || res.Delivery.Attempt != 1 {
		t.Fatalf("failed handoff should be recorded: %+v", res.Delivery)
	}
	env.Deliveries.SetErr(nil)
	retry, err := env.Engine.RetryDelivery(env.Ctx, outgoing, res.Export.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retry.Status != "sent" || retry.Attempt != 2 {
		t.Fatalf("unexpected retry attempt %+v", retry)
	}
	exports, err := env.Engine.ListExports(env.Ctx, outgoing, d.ID)
	if err != nil || len(exports) != 1 {
		t.Fatalf("retry must not add export rows, got %d (%v)", len(exports), err)
	}
	attempts, err := env.Engine.ListDeliveries(env.Ctx, outgoing, res.Export.ID)
	if err != nil || len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d (%v)", len(attempts), err)
	}
	last := env.Deliveries.Requests[len(env.Deliveries.Requests)-1]
	if last.ExportID != res.Export.ID || len(last.Recipients) != 2 || last.DocumentHash != *d.Signoff.DocumentHash {
		t.Fatalf("unexpected delivery request %+v", last)
	}
}

func TestOtherVesselSeesNothing(t *testing.T) {
	env := newTestEnv(t)
	entry := env.confirmedEntry(t, "Jacuzzi pump seal replaced", "INT-01")
	if _, err := env.Engine.GetEntry(env.Ctx, stranger, entry.ID); !errors.As(err, new(engine.NotFoundError)) {
		t.Fatalf("expected not found, got %v", err)
	}
	d, _, err := env.Engine.GenerateDraft(env.Ctx, outgoing, engine.GenerateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.GetDraft(env.Ctx, stranger, d.ID); !errors.As(err, new(engine.NotFoundError)) {
		t.Fatalf("expected not found, got %v", err)
	}
	theirs, created, err := env.Engine.GenerateDraft(env.Ctx, stranger, engine.GenerateOptions{})
	if err != nil || !created || theirs.ID == d.ID || len(theirs.Sections) != 0 {
		t.Fatalf("other vessel should get its own empty draft: %+v (%v)", theirs, err)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
