package repo

import (
	"context"
	"database/sql"

	"watchkeeper/internal/domain"
)

func (r Repo) InsertSignoff(ctx context.Context, tx *sql.Tx, s domain.Signoff) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO signoffs(id,draft_id) VALUES (?,?)`, s.ID, s.DraftID)
	return err
}

func (r Repo) GetSignoff(ctx context.Context, tx *sql.Tx, draftID string) (domain.Signoff, error) {
	row := r.on(tx).QueryRowContext(ctx, `SELECT id,draft_id,outgoing_user_id,outgoing_signed_at,incoming_user_id,incoming_signed_at,document_hash,snapshot_path
FROM signoffs WHERE draft_id=?`, draftID)
	var s domain.Signoff
	var outUser, outAt, inUser, inAt, hash, path sql.NullString
	err := row.Scan(&s.ID, &s.DraftID, &outUser, &outAt, &inUser, &inAt, &hash, &path)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.OutgoingUserID = stringPtr(outUser)
	s.OutgoingSignedAt = stringPtr(outAt)
	s.IncomingUserID = stringPtr(inUser)
	s.IncomingSignedAt = stringPtr(inAt)
	s.DocumentHash = stringPtr(hash)
	s.SnapshotPath = stringPtr(path)
	return s, nil
}

// SetOutgoing records the outgoing signature. Passing empty values clears it,
// which is how a reopen withdraws acceptance.
func (r Repo) SetOutgoing(ctx context.Context, tx *sql.Tx, draftID, userID, at string) error {
	_, err := r.on(tx).ExecContext(ctx, `UPDATE signoffs SET outgoing_user_id=?, outgoing_signed_at=? WHERE draft_id=?`,
		nullable(userID), nullable(at), draftID)
	return err
}

// Seal records the incoming signature together with the document hash. The
// row cannot change afterwards.
func (r Repo) Seal(ctx context.Context, tx *sql.Tx, draftID, userID, at, hash, snapshotPath string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE signoffs SET incoming_user_id=?, incoming_signed_at=?, document_hash=?, snapshot_path=?
WHERE draft_id=? AND document_hash IS NULL`, userID, at, hash, snapshotPath, draftID)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}
