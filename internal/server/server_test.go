package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"watchkeeper/internal/blobstore"
	"watchkeeper/internal/config"
	"watchkeeper/internal/db"
	"watchkeeper/internal/delivery"
	"watchkeeper/internal/domain"
	"watchkeeper/internal/engine"
	"watchkeeper/internal/migrate"
)

const (
	testVessel = "MY-ARIA"
	testSecret = "test-secret"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestEngine(t *testing.T, cfg *config.Config) engine.Engine {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	blobs, err := blobstore.New(filepath.Join(workspace, "blobs"))
	if err != nil {
		t.Fatalf("blobstore: %v", err)
	}
	e.Blobs = blobs
	e.Deliverer = &delivery.Recorder{}
	return e
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	e := newTestEngine(t, config.Default(testVessel))
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testSecret, AllowLegacyHeaders: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func as(userID, role string) map[string]string {
	return map[string]string{"X-User-Id": userID, "X-Role": role, "X-Vessel-Id": testVessel}
}

var (
	captain = as("user-a", "captain")
	mate    = as("user-b", "chief_officer")
	deck    = as("deckhand-1", "crew")
)

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func seedConfirmedEntries(t *testing.T, srv *testServer) {
	t.Helper()
	client := srv.Client()
	for _, e := range []struct{ text, code string }{
		{"Port main engine turbocharger inspected, bearings within tolerance", "ENG-01"},
		{"Starboard shaft seal weeping slightly; monitor bilge level each watch", "ENG-01"},
		{"Teak deck recaulking finished on the aft sundeck", "DECK-03"},
	} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/handover/entry", map[string]any{
			"narrative_text": e.text,
			"classification": map[string]any{"primary_domain": e.code, "risk_tags": []string{"Informational"}, "confidence": 0.9},
		}, deck)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create entry status %d: %s", res.StatusCode, string(data))
		}
		var entry EntryResponse
		if err := json.Unmarshal(data, &entry); err != nil {
			t.Fatalf("unmarshal entry: %v", err)
		}
		if entry.Status != domain.EntryCandidate || entry.ClassificationPending {
			t.Fatalf("unexpected entry %+v", entry)
		}
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/handover/entry/"+entry.ID+"/confirm", nil, captain)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("confirm status %d: %s", res.StatusCode, string(data))
		}
	}
}

func generate(t *testing.T, srv *testServer, wantStatus int) DraftResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/handover/draft/generate", nil, captain)
	if res.StatusCode != wantStatus {
		t.Fatalf("generate status %d (want %d): %s", res.StatusCode, wantStatus, string(data))
	}
	var d DraftResponse
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatalf("unmarshal draft: %v", err)
	}
	return d
}

func TestHandoverLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	seedConfirmedEntries(t, srv)

	d := generate(t, srv, http.StatusCreated)
	if !d.Created || d.State != domain.DraftStateDraft || len(d.Sections) != 2 {
		t.Fatalf("unexpected draft %+v", d.Draft)
	}
	again := generate(t, srv, http.StatusOK)
	if again.ID != d.ID || again.Created {
		t.Fatalf("second generate should return the same draft")
	}
	base := srv.URL + "/v1/handover/draft/" + d.ID
	itemID := d.Sections[0].Items[0].ID

	res, data := doJSON(t, client, http.MethodPatch, base+"/item/"+itemID, map[string]any{"edited_text": "early"}, captain)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != engine.CodeDraftFrozen {
		t.Fatalf("edit in DRAFT: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/review", nil, captain)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("review: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPatch, base+"/item/"+itemID, map[string]any{"edited_text": "Turbo bearings fine", "edit_reason": "shorter"}, captain)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("edit: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/accept", map[string]any{"confirm": false}, captain)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != engine.CodeConfirmationRequired {
		t.Fatalf("accept without confirm: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/accept", map[string]any{"confirm": true}, captain)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPatch, base+"/item/"+itemID, map[string]any{"edited_text": "late"}, captain)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != engine.CodeDraftFrozen {
		t.Fatalf("edit after accept: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/sign", map[string]any{"confirm": true}, captain)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != engine.CodeWrongSignatory {
		t.Fatalf("self countersign: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/sign", map[string]any{"confirm": true}, mate)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sign: %d %s", res.StatusCode, string(data))
	}
	var signed domain.Draft
	if err := json.Unmarshal(data, &signed); err != nil {
		t.Fatalf("unmarshal signed: %v", err)
	}
	if signed.Signoff == nil || signed.Signoff.DocumentHash == nil || len(*signed.Signoff.DocumentHash) != 64 {
		t.Fatalf("signed draft lacks document hash: %s", string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/sign", map[string]any{"confirm": true}, mate)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != engine.CodeInvalidTransition {
		t.Fatalf("second sign: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/export", map[string]any{"export_type": "pdf"}, captain)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("export: %d %s", res.StatusCode, string(data))
	}
	var exp ExportResponse
	if err := json.Unmarshal(data, &exp); err != nil {
		t.Fatalf("unmarshal export: %v", err)
	}
	if exp.Export.DocumentHash != *signed.Signoff.DocumentHash {
		t.Fatalf("export hash %s differs from signed hash", exp.Export.DocumentHash)
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/export", map[string]any{"export_type": "pdf"}, captain)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("repeat export should be idempotent: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/handover/export/"+exp.Export.ID+"/artifact", nil, captain)
	if res.StatusCode != http.StatusOK || res.Header.Get("Content-Type") != "application/pdf" || !bytes.HasPrefix(data, []byte("%PDF")) {
		t.Fatalf("artifact: %d %s", res.StatusCode, res.Header.Get("Content-Type"))
	}
	if res.Header.Get("X-Document-Hash") != exp.Export.DocumentHash {
		t.Fatalf("artifact hash header mismatch")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/handover/events?entity_kind=draft&limit=2", nil, captain)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var events paginatedEvents
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events.Items) != 2 || events.NextCursor == "" || events.Items[0].Type != "draft.signed" || events.Items[1].Type != "draft.accepted" {
		t.Fatalf("unexpected events page %+v", events)
	}
}

func TestExportRequiresSignedDraft(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedConfirmedEntries(t, srv)
	d := generate(t, srv, http.StatusCreated)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/handover/draft/"+d.ID+"/export", map[string]any{"export_type": "html"}, captain)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != engine.CodeInvalidTransition {
		t.Fatalf("export before sign: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/handover/draft/"+d.ID+"/export", map[string]any{"export_type": "docx"}, captain)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown export type: %d %s", res.StatusCode, string(data))
	}
}

func TestEntryValidationAndPermissions(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/handover/entry", map[string]any{"narrative_text": "  "}, deck)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "validation_failed" {
		t.Fatalf("blank narrative: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/handover/entry", map[string]any{
		"narrative_text": "Fire pump pressure low on weekly test",
	}, deck)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var entry EntryResponse
	_ = json.Unmarshal(data, &entry)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/handover/entry/"+entry.ID+"/confirm", nil, deck)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("crew confirm: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/handover/draft/generate", nil, deck)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("crew generate: %d %s", res.StatusCode, string(data))
	}
	other := map[string]string{"X-User-Id": "user-z", "X-Role": "captain", "X-Vessel-Id": "MY-OTHER"}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/handover/entry/"+entry.ID, nil, other)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("other vessel read: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/handover/entry/"+entry.ID+"/flag-classification", map[string]any{
		"requested_domain": "DECK-04",
		"reason":           "fire pump belongs to firefighting equipment",
	}, deck)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("flag: %d %s", res.StatusCode, string(data))
	}
}

func TestAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/handover/draft", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"user_id": "user-b", "role": "chief_officer", "vessel_id": testVessel,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("dev login token: %v %s", err, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.UserID != "user-b" || me.VesselID != testVessel || me.Source != "jwt" || len(me.Permissions) == 0 {
		t.Fatalf("unexpected principal %+v", me)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + login.Token + "x"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("tampered token accepted: %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "/v1/handover/draft/{id}/sign") {
		t.Fatalf("openapi: %d", res.StatusCode)
	}
}

func TestWebhookDispatch(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookEvent
		sigs     []string
	)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	hookSrv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		_ = json.Unmarshal(body, &evt)
		mu.Lock()
		received = append(received, evt)
		sigs = append(sigs, r.Header.Get("X-Watchkeeper-Signature"))
		mu.Unlock()
		if sig := r.Header.Get("X-Watchkeeper-Signature"); sig != "sha256="+signPayload("s3cret", body) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})}
	go hookSrv.Serve(ln)
	defer hookSrv.Shutdown(context.Background())

	cfg := config.Default(testVessel)
	cfg.Webhooks = []config.WebhookConfig{{
		URL:            "http://" + ln.Addr().String() + "/hook",
		Events:         []string{"entry.created"},
		Secret:         "s3cret",
		TimeoutSeconds: 2,
	}}
	e := newTestEngine(t, cfg)
	d := newWebhookDispatcher(e, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.cursorFor(ctx, 0)

	actor := Principal{UserID: "deckhand-1", Role: "crew", VesselID: testVessel}.actor()
	entry, err := e.CreateEntry(ctx, actor, engine.EntryCreateOptions{Narrative: "Crane hydraulic hose chafing near the slew ring"})
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected one webhook call, got %d", len(received))
	}
	if received[0].Type != "entry.created" || received[0].EntityID != entry.ID || received[0].VesselID != testVessel {
		t.Fatalf("unexpected webhook event %+v", received[0])
	}
	if !strings.HasPrefix(sigs[0], "sha256=") {
		t.Fatalf("missing signature header")
	}
}
