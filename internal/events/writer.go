package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Lifecycle event types.
const (
	EntryCreated             = "entry.created"
	EntryConfirmed           = "entry.confirmed"
	EntryDismissed           = "entry.dismissed"
	EntryClassified          = "entry.classified"
	EntryClassificationFlag  = "entry.classification_flagged"
	DraftGenerated           = "draft.generated"
	DraftReviewStarted       = "draft.review_started"
	DraftItemEdited          = "draft.item_edited"
	DraftItemsMerged         = "draft.items_merged"
	DraftItemSplit           = "draft.item_split"
	DraftItemResolved        = "draft.item_resolved"
	DraftSignatoriesAssigned = "draft.signatories_assigned"
	DraftAccepted            = "draft.accepted"
	DraftReopened            = "draft.reopened"
	DraftSigned              = "draft.signed"
	ExportCreated            = "export.created"
	ExportDeliveryAttempted  = "export.delivery_attempted"
	ExportIntegrityViolation = "export.integrity_violation"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside tx so it commits or rolls back with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, vesselID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,vessel_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, vesselID, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
