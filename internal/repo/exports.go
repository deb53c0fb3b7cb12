package repo

import (
	"context"
	"database/sql"

	"watchkeeper/internal/domain"
)

const exportColumns = `id,draft_id,export_type,storage_path,exported_by,exported_at,recipients_json,document_hash,idempotency_key`

func scanExport(s scanner) (domain.Export, error) {
	var e domain.Export
	var recipients string
	err := s.Scan(&e.ID, &e.DraftID, &e.ExportType, &e.StoragePath, &e.ExportedBy, &e.ExportedAt, &recipients, &e.DocumentHash, &e.IdempotencyKey)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Recipients = fromJSONList(recipients)
	return e, nil
}

func (r Repo) InsertExport(ctx context.Context, tx *sql.Tx, e domain.Export) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO exports(`+exportColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.DraftID, e.ExportType, e.StoragePath, e.ExportedBy, e.ExportedAt, toJSON(e.Recipients), e.DocumentHash, e.IdempotencyKey)
	return err
}

func (r Repo) GetExport(ctx context.Context, tx *sql.Tx, id string) (domain.Export, error) {
	return scanExport(r.on(tx).QueryRowContext(ctx, `SELECT `+exportColumns+` FROM exports WHERE id=?`, id))
}

func (r Repo) GetExportByKey(ctx context.Context, tx *sql.Tx, key string) (domain.Export, error) {
	return scanExport(r.on(tx).QueryRowContext(ctx, `SELECT `+exportColumns+` FROM exports WHERE idempotency_key=?`, key))
}

func (r Repo) ListExports(ctx context.Context, draftID string) ([]domain.Export, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+exportColumns+` FROM exports WHERE draft_id=? ORDER BY exported_at ASC, rowid ASC`, draftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Export
	for rows.Next() {
		e, err := scanExport(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// NextDeliveryAttempt returns the attempt number for a new delivery of exportID.
func (r Repo) NextDeliveryAttempt(ctx context.Context, tx *sql.Tx, exportID string) (int, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(attempt),0)+1 FROM export_deliveries WHERE export_id=?`, exportID).Scan(&n)
	return n, err
}

func (r Repo) InsertDelivery(ctx context.Context, tx *sql.Tx, d domain.DeliveryAttempt) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO export_deliveries(id,export_id,attempt,status,error,requested_by,attempted_at) VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.ExportID, d.Attempt, d.Status, nullableStringPtr(d.Error), d.RequestedBy, d.AttemptedAt)
	return err
}

func (r Repo) ListDeliveries(ctx context.Context, exportID string) ([]domain.DeliveryAttempt, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,export_id,attempt,status,error,requested_by,attempted_at FROM export_deliveries WHERE export_id=? ORDER BY attempt ASC`, exportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeliveryAttempt
	for rows.Next() {
		var d domain.DeliveryAttempt
		var errText sql.NullString
		if err := rows.Scan(&d.ID, &d.ExportID, &d.Attempt, &d.Status, &errText, &d.RequestedBy, &d.AttemptedAt); err != nil {
			return nil, err
		}
		d.Error = stringPtr(errText)
		res = append(res, d)
	}
	return res, rows.Err()
}
