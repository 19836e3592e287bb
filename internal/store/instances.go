package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/protocore/internal/ident"
)

// Instance is the persisted record of one protocol instance.
type Instance struct {
	Owner       ident.Identity
	InstanceUID uuid.UUID
	Family      string
	StateKind   uint64
	// State is the wire-encoded protocol state.
	State     []byte
	Version   int64
	Terminal  bool
	UpdatedAt time.Time
}

const instanceColumns = `owner, instance_uid, family, state_kind, state, version, terminal, updated_at`

// Load returns the instance persisted for (owner, uid), or ErrNotFound.
func (s *Store) Load(ctx context.Context, owner ident.Identity, uid uuid.UUID) (Instance, error) {
	return loadInstance(ctx, s.db, owner, uid)
}

// Load reads an instance inside the transaction.
func (t *Tx) Load(ctx context.Context, owner ident.Identity, uid uuid.UUID) (Instance, error) {
	return loadInstance(ctx, t.tx, owner, uid)
}

func loadInstance(ctx context.Context, q querier, owner ident.Identity, uid uuid.UUID) (Instance, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+instanceColumns+`
		FROM protocol_instances
		WHERE owner = ? AND instance_uid = ?
	`, owner.Bytes(), uid[:])

	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, ErrNotFound
	}
	if err != nil {
		return Instance{}, fmt.Errorf("load instance %s: %w", uid, err)
	}
	return inst, nil
}

// Save persists inst. An expectedVersion of 0 inserts a new instance; any
// other value replaces the stored row only if its version still equals
// expectedVersion. Returns the new version, or ErrConflict.
func (t *Tx) Save(ctx context.Context, inst Instance, expectedVersion int64) (int64, error) {
	now := t.now().UnixNano()
	newVersion := expectedVersion + 1

	var (
		res sql.Result
		err error
	)
	if expectedVersion == 0 {
		res, err = t.tx.ExecContext(ctx, `
			INSERT INTO protocol_instances (`+instanceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(owner, instance_uid) DO NOTHING
		`,
			inst.Owner.Bytes(), inst.InstanceUID[:], inst.Family,
			inst.StateKind, inst.State, newVersion, inst.Terminal, now,
		)
	} else {
		res, err = t.tx.ExecContext(ctx, `
			UPDATE protocol_instances
			SET state_kind = ?, state = ?, version = ?, terminal = ?, updated_at = ?
			WHERE owner = ? AND instance_uid = ? AND version = ?
		`,
			inst.StateKind, inst.State, newVersion, inst.Terminal, now,
			inst.Owner.Bytes(), inst.InstanceUID[:], expectedVersion,
		)
	}
	if err != nil {
		return 0, fmt.Errorf("save instance %s: %w", inst.InstanceUID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("save instance %s: rows affected: %w", inst.InstanceUID, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("save instance %s at version %d: %w", inst.InstanceUID, expectedVersion, ErrConflict)
	}
	return newVersion, nil
}

// ListInstances returns the persisted instances of owner, or of every owner
// when owner is empty, ordered by owner then instance UID.
func (s *Store) ListInstances(ctx context.Context, owner ident.Identity) ([]Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM protocol_instances`
	var args []any
	if owner != "" {
		query += ` WHERE owner = ?`
		args = append(args, owner.Bytes())
	}
	query += ` ORDER BY owner ASC, instance_uid ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("list instances: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return out, nil
}

// PruneTerminal deletes terminal instances last updated before cutoff.
// Until pruned, a terminal row acts as a tombstone so late duplicates of the
// instance's messages are recognized and dropped.
func (s *Store) PruneTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM protocol_instances
		WHERE terminal = 1 AND updated_at < ?
	`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune terminal instances: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune terminal instances: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(row scanner) (Instance, error) {
	var (
		owner, uid []byte
		inst       Instance
		updated    int64
	)
	if err := row.Scan(&owner, &uid, &inst.Family, &inst.StateKind, &inst.State,
		&inst.Version, &inst.Terminal, &updated); err != nil {
		return Instance{}, err
	}
	u, err := uuid.FromBytes(uid)
	if err != nil {
		return Instance{}, fmt.Errorf("scan instance uid: %w", err)
	}
	inst.Owner = ident.IdentityFromBytes(owner)
	inst.InstanceUID = u
	inst.UpdatedAt = time.Unix(0, updated).UTC()
	return inst, nil
}
