package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/protocore/internal/ident"
)

// JournalEntry is an inbound message that has been received but not yet
// consumed by a step, together with its routing information.
type JournalEntry struct {
	ID          int64
	Owner       ident.Identity
	InstanceUID uuid.UUID
	Family      string
	// Envelope is the encoded message as received.
	Envelope      []byte
	Sender        ident.Identity
	SenderDevices []ident.DeviceUID
	Channel       int
	DialogUID     uuid.UUID
	ReceivedAt    time.Time
}

const journalColumns = `id, owner, instance_uid, family, envelope, sender, sender_devices, channel, dialog_uid, received_at`

// AppendJournal records an inbound message and returns its journal id.
func (s *Store) AppendJournal(ctx context.Context, e JournalEntry) (int64, error) {
	return appendJournal(ctx, s.db, s.now(), e)
}

// AppendJournal records a message inside the transaction, so it is durable
// exactly when the step producing it commits.
func (t *Tx) AppendJournal(ctx context.Context, e JournalEntry) (int64, error) {
	return appendJournal(ctx, t.tx, t.now(), e)
}

func appendJournal(ctx context.Context, q querier, now time.Time, e JournalEntry) (int64, error) {
	devices, err := encodeDevices(e.SenderDevices)
	if err != nil {
		return 0, fmt.Errorf("append journal: %w", err)
	}

	var dialog []byte
	if e.DialogUID != uuid.Nil {
		dialog = e.DialogUID[:]
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO received_messages
		(owner, instance_uid, family, envelope, sender, sender_devices, channel, dialog_uid, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.Owner.Bytes(), e.InstanceUID[:], e.Family, e.Envelope,
		e.Sender.Bytes(), devices, e.Channel, dialog, now.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("append journal: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append journal: last insert id: %w", err)
	}
	return id, nil
}

// PendingJournal returns every journaled message in arrival order.
func (s *Store) PendingJournal(ctx context.Context) ([]JournalEntry, error) {
	return s.queryJournal(ctx, `SELECT `+journalColumns+` FROM received_messages ORDER BY id ASC`)
}

// PendingForInstance returns the journaled messages of one instance in
// arrival order.
func (s *Store) PendingForInstance(ctx context.Context, owner ident.Identity, uid uuid.UUID) ([]JournalEntry, error) {
	return s.queryJournal(ctx, `
		SELECT `+journalColumns+`
		FROM received_messages
		WHERE owner = ? AND instance_uid = ?
		ORDER BY id ASC
	`, owner.Bytes(), uid[:])
}

// DeleteJournalEntry removes a message that has been consumed or dropped.
// Deleting an absent entry is a no-op.
func (s *Store) DeleteJournalEntry(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM received_messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete journal entry %d: %w", id, err)
	}
	return nil
}

// DeleteJournalEntry removes a consumed message inside the transaction that
// persists the step consuming it.
func (t *Tx) DeleteJournalEntry(ctx context.Context, id int64) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM received_messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete journal entry %d: %w", id, err)
	}
	return nil
}

// DeleteInstanceJournal removes every journaled message of an instance.
// Used when the instance reaches a terminal state.
func (t *Tx) DeleteInstanceJournal(ctx context.Context, owner ident.Identity, uid uuid.UUID) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		DELETE FROM received_messages
		WHERE owner = ? AND instance_uid = ?
	`, owner.Bytes(), uid[:])
	if err != nil {
		return 0, fmt.Errorf("delete instance journal %s: %w", uid, err)
	}
	return res.RowsAffected()
}

// PruneJournal deletes messages received before cutoff that belong to no
// persisted instance. Such a message waits for an instance that its
// initiating message never created, so nothing will ever consume it.
func (s *Store) PruneJournal(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM received_messages
		WHERE received_at < ?
		AND NOT EXISTS (
			SELECT 1 FROM protocol_instances p
			WHERE p.owner = received_messages.owner
			AND p.instance_uid = received_messages.instance_uid
		)
	`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return n, nil
}

func (s *Store) queryJournal(ctx context.Context, query string, args ...any) ([]JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var (
			e        JournalEntry
			received int64
		)
		var owner, uid, sender, devices, dialog []byte
		if err := rows.Scan(&e.ID, &owner, &uid, &e.Family, &e.Envelope, &sender,
			&devices, &e.Channel, &dialog, &received); err != nil {
			return nil, fmt.Errorf("query journal: %w", err)
		}
		if e.InstanceUID, err = uuid.FromBytes(uid); err != nil {
			return nil, fmt.Errorf("query journal: entry %d uid: %w", e.ID, err)
		}
		if len(dialog) > 0 {
			if e.DialogUID, err = uuid.FromBytes(dialog); err != nil {
				return nil, fmt.Errorf("query journal: entry %d dialog uid: %w", e.ID, err)
			}
		}
		if e.SenderDevices, err = decodeDevices(devices); err != nil {
			return nil, fmt.Errorf("query journal: entry %d: %w", e.ID, err)
		}
		e.Owner = ident.IdentityFromBytes(owner)
		e.Sender = ident.IdentityFromBytes(sender)
		e.ReceivedAt = time.Unix(0, received).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	return out, nil
}

// RecordCommitment stores a commitment received by owner and reports whether
// it had not been seen before.
func (t *Tx) RecordCommitment(ctx context.Context, owner ident.Identity, commitment []byte) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO received_commitments (owner, commitment)
		VALUES (?, ?)
		ON CONFLICT(owner, commitment) DO NOTHING
	`, owner.Bytes(), commitment)
	if err != nil {
		return false, fmt.Errorf("record commitment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record commitment: rows affected: %w", err)
	}
	return n == 1, nil
}
