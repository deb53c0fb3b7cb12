package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"watchkeeper/internal/blobstore"
	"watchkeeper/internal/classify"
	"watchkeeper/internal/config"
	"watchkeeper/internal/delivery"
	"watchkeeper/internal/domain"
	"watchkeeper/internal/engine/auth"
	"watchkeeper/internal/events"
	"watchkeeper/internal/lock"
	"watchkeeper/internal/logging"
	"watchkeeper/internal/metrics"
	"watchkeeper/internal/repo"
	"watchkeeper/internal/telemetry"
)

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Auth       auth.Service
	Classifier classify.Capability
	Locker     lock.Locker
	Blobs      *blobstore.Store
	Deliverer  delivery.Deliverer
	Logger     logrus.FieldLogger
	Now        func() time.Time

	flight *singleflight.Group
}

// New builds an engine with the keyword classifier, the SQL generation lock
// and a discarding logger. A nil cfg means the built-in defaults. Callers
// replace fields as needed; Blobs must be set before signing or exporting.
func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default("")
	}
	timeout := 5 * time.Second
	if cfg.Assembly.ClassifierTimeoutSeconds > 0 {
		timeout = time.Duration(cfg.Assembly.ClassifierTimeoutSeconds) * time.Second
	}
	buckets := cfg.BucketMap()
	logger := logging.Discard()
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{DB: db},
		Config:     cfg,
		Auth:       auth.Service{Config: cfg},
		Classifier: classify.Guard(classify.NewKeyword(buckets), timeout),
		Locker:     lock.NewSQL(db),
		Deliverer:  delivery.Log{Logger: logger},
		Logger:     logger,
		Now:        time.Now,
		flight:     &singleflight.Group{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) stamp() string {
	return domain.FormatTime(e.now())
}

func (e Engine) log() logrus.FieldLogger {
	if e.Logger == nil {
		return logging.Discard()
	}
	return e.Logger
}

func tracer() trace.Tracer {
	return telemetry.Tracer("watchkeeper/engine")
}

func newID() string {
	return uuid.NewString()
}

func (e Engine) emit(ctx context.Context, tx *sql.Tx, evtType, vesselID, entityKind, entityID string, actor auth.Actor, payload events.EventPayload) error {
	w := e.Events
	w.Now = e.now
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["role"] = actor.Role
	return w.Append(ctx, tx, evtType, vesselID, entityKind, entityID, actor.UserID, payload)
}

// authorize checks the actor's permission and that it carries a vessel.
func (e Engine) authorize(a auth.Actor, perm string) error {
	if !a.Valid() {
		return ValidationError{Field: "actor", Reason: "user id, role and vessel id are required"}
	}
	return e.Auth.Require(a, perm)
}

// inVessel hides resources of other vessels behind NotFoundError.
func inVessel(a auth.Actor, vesselID, kind, id string) error {
	if a.VesselID != vesselID {
		return NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

// begin opens a write transaction and starts a span for action.
func (e Engine) begin(ctx context.Context, action string) (context.Context, *sql.Tx, func(), error) {
	ctx, span := tracer().Start(ctx, action)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		span.End()
		return ctx, nil, func() {}, err
	}
	return ctx, tx, func() {
		_ = tx.Rollback()
		span.End()
	}, nil
}

// ensureDraftTransition validates a state change of the review state machine.
func ensureDraftTransition(draftID, from, to string) error {
	switch from {
	case domain.DraftStateDraft:
		if to == domain.DraftStateInReview {
			return nil
		}
	case domain.DraftStateInReview:
		if to == domain.DraftStateAccepted {
			return nil
		}
	case domain.DraftStateAccepted:
		if to == domain.DraftStateSigned || to == domain.DraftStateInReview {
			return nil
		}
	case domain.DraftStateSigned:
		if to == domain.DraftStateExported {
			return nil
		}
	}
	err := InvalidTransitionError{Code: CodeInvalidTransition, DraftID: draftID, From: from, To: to}
	switch from {
	case domain.DraftStateSigned, domain.DraftStateExported:
		err.Message = "This handover has already been signed and cannot be changed"
	}
	return err
}

// ensureEditable rejects item changes outside IN_REVIEW.
func ensureEditable(d domain.Draft) error {
	if d.State == domain.DraftStateInReview {
		return nil
	}
	err := InvalidTransitionError{Code: CodeDraftFrozen, DraftID: d.ID, From: d.State}
	switch d.State {
	case domain.DraftStateDraft:
		err.Message = "Start the review before editing this handover"
	case domain.DraftStateAccepted:
		err.Message = "This handover has been accepted; reopen it to make changes"
	default:
		err.Message = "This handover has already been signed and cannot be edited"
	}
	return err
}

// casState applies a compare-and-set on (state, version) and maps a miss to
// ErrConcurrencyConflict.
func (e Engine) casState(ctx context.Context, tx *sql.Tx, d domain.Draft, to string) (domain.Draft, error) {
	at := e.stamp()
	ok, err := e.Repo.CompareAndSetState(ctx, tx, d.ID, d.State, to, d.Version, at)
	if err != nil {
		return d, err
	}
	if !ok {
		return d, ErrConcurrencyConflict
	}
	d.State = to
	d.Version++
	d.LastModifiedAt = at
	return d, nil
}

// loadDraftForActor reads a draft row inside tx and enforces vessel scope
// and the caller's expected version.
func (e Engine) loadDraftForActor(ctx context.Context, tx *sql.Tx, a auth.Actor, draftID string, expectVersion int) (domain.Draft, error) {
	d, err := e.Repo.GetDraft(ctx, tx, draftID)
	if err != nil {
		return d, notFound("draft", draftID, err)
	}
	if err := inVessel(a, d.VesselID, "draft", draftID); err != nil {
		return d, err
	}
	if expectVersion > 0 && expectVersion != d.Version {
		return d, ErrConcurrencyConflict
	}
	return d, nil
}

func recordTransition(action string, err error) {
	metrics.RecordTransition(action, err)
}

func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ListEvents returns the vessel's lifecycle events, newest first.
func (e Engine) ListEvents(ctx context.Context, actor auth.Actor, f repo.EventFilter) ([]domain.Event, error) {
	if err := e.authorize(actor, config.PermEventsRead); err != nil {
		return nil, err
	}
	f.VesselID = actor.VesselID
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	return e.Repo.LatestEvents(ctx, f)
}
