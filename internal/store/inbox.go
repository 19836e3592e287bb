package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/protocore/internal/ident"
)

// InboxStatus is the processing status of an inbound application message.
type InboxStatus int

const (
	InboxUnprocessed InboxStatus = iota
	InboxProcessed
	InboxPendingDelete
)

func (s InboxStatus) String() string {
	switch s {
	case InboxUnprocessed:
		return "unprocessed"
	case InboxProcessed:
		return "processed"
	case InboxPendingDelete:
		return "pending_delete"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// InboxAttachment is one attachment of an inbox message.
type InboxAttachment struct {
	Number int
	Status InboxStatus
}

// InboxMessage is a persisted inbound application message.
type InboxMessage struct {
	ID          []byte
	Owner       ident.Identity
	Status      InboxStatus
	ReceivedAt  time.Time
	Attachments []InboxAttachment
}

// ServerDeletion is a pending request to delete a message from the server.
type ServerDeletion struct {
	MessageID   []byte
	Owner       ident.Identity
	RequestedAt time.Time
}

// AddPushRegistration records that a device registered for push notifications.
func (s *Store) AddPushRegistration(ctx context.Context, owner ident.Identity, device ident.DeviceUID, token []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_registrations (owner, device_uid, token, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(owner, device_uid) DO UPDATE SET token = excluded.token
	`, owner.Bytes(), device[:], token, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("add push registration: %w", err)
	}
	return nil
}

// DeletePushRegistrations removes every push registration record.
func (s *Store) DeletePushRegistrations(ctx context.Context) (int64, error) {
	return s.exec(ctx, "delete push registrations", `DELETE FROM push_registrations`)
}

// DeleteOrphans removes attachments whose message no longer exists and
// contact devices whose contact no longer exists.
func (s *Store) DeleteOrphans(ctx context.Context) (int64, error) {
	var total int64
	err := s.Update(ctx, func(tx *Tx) error {
		for _, q := range []string{
			`DELETE FROM inbox_attachments
			 WHERE message_id NOT IN (SELECT id FROM inbox_messages)`,
			`DELETE FROM contact_devices
			 WHERE NOT EXISTS (
			     SELECT 1 FROM contacts c
			     WHERE c.owner = contact_devices.owner AND c.contact = contact_devices.contact
			 )`,
		} {
			res, err := tx.tx.ExecContext(ctx, q)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete orphans: %w", err)
	}
	return total, nil
}

// AddServerDeletion persists a request to delete a message from the server.
func (s *Store) AddServerDeletion(ctx context.Context, owner ident.Identity, messageID []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_deletions (message_id, owner, requested_at)
		VALUES (?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING
	`, messageID, owner.Bytes(), s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("add server deletion: %w", err)
	}
	return nil
}

// ServerDeletions returns the pending server deletions, oldest first.
func (s *Store) ServerDeletions(ctx context.Context) ([]ServerDeletion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, owner, requested_at
		FROM server_deletions
		ORDER BY requested_at ASC, message_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list server deletions: %w", err)
	}
	defer rows.Close()

	var out []ServerDeletion
	for rows.Next() {
		var (
			d         ServerDeletion
			owner     []byte
			requested int64
		)
		if err := rows.Scan(&d.MessageID, &owner, &requested); err != nil {
			return nil, fmt.Errorf("list server deletions: %w", err)
		}
		d.Owner = ident.IdentityFromBytes(owner)
		d.RequestedAt = time.Unix(0, requested).UTC()
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list server deletions: %w", err)
	}
	return out, nil
}

// CompleteServerDeletion removes a server deletion once acted upon.
func (s *Store) CompleteServerDeletion(ctx context.Context, messageID []byte) error {
	_, err := s.exec(ctx, "complete server deletion", `DELETE FROM server_deletions WHERE message_id = ?`, messageID)
	return err
}

// AddInboxMessage persists an inbound application message.
func (s *Store) AddInboxMessage(ctx context.Context, m InboxMessage) error {
	return s.Update(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx, `
			INSERT INTO inbox_messages (id, owner, status, received_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET status = excluded.status
		`, m.ID, m.Owner.Bytes(), int(m.Status), s.now().UnixNano())
		if err != nil {
			return fmt.Errorf("add inbox message: %w", err)
		}
		for _, a := range m.Attachments {
			if err := tx.addAttachment(ctx, m.ID, a); err != nil {
				return err
			}
		}
		return nil
	})
}

// AddInboxAttachment persists an attachment row. The owning message is not
// required to exist.
func (s *Store) AddInboxAttachment(ctx context.Context, messageID []byte, a InboxAttachment) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.addAttachment(ctx, messageID, a)
	})
}

func (t *Tx) addAttachment(ctx context.Context, messageID []byte, a InboxAttachment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO inbox_attachments (message_id, number, status)
		VALUES (?, ?, ?)
		ON CONFLICT(message_id, number) DO UPDATE SET status = excluded.status
	`, messageID, a.Number, int(a.Status))
	if err != nil {
		return fmt.Errorf("add inbox attachment: %w", err)
	}
	return nil
}

// InboxMessages returns every inbox message with its attachments, oldest first.
func (s *Store) InboxMessages(ctx context.Context) ([]InboxMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, status, received_at
		FROM inbox_messages
		ORDER BY received_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list inbox messages: %w", err)
	}

	var out []InboxMessage
	for rows.Next() {
		var (
			m        InboxMessage
			owner    []byte
			status   int
			received int64
		)
		if err := rows.Scan(&m.ID, &owner, &status, &received); err != nil {
			rows.Close()
			return nil, fmt.Errorf("list inbox messages: %w", err)
		}
		m.Owner = ident.IdentityFromBytes(owner)
		m.Status = InboxStatus(status)
		m.ReceivedAt = time.Unix(0, received).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("list inbox messages: %w", err)
	}
	rows.Close()

	for i := range out {
		atts, err := s.attachments(ctx, out[i].ID)
		if err != nil {
			return nil, fmt.Errorf("list inbox messages: %w", err)
		}
		out[i].Attachments = atts
	}
	return out, nil
}

// AttachmentMessageIDs returns the ids of messages that own at least one
// attachment, in ascending order.
func (s *Store) AttachmentMessageIDs(ctx context.Context) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT a.message_id
		FROM inbox_attachments a
		JOIN inbox_messages m ON m.id = a.message_id
		ORDER BY a.message_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list attachment owners: %w", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var id []byte
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list attachment owners: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) attachments(ctx context.Context, messageID []byte) ([]InboxAttachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT number, status FROM inbox_attachments
		WHERE message_id = ?
		ORDER BY number ASC
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InboxAttachment
	for rows.Next() {
		var (
			a      InboxAttachment
			status int
		)
		if err := rows.Scan(&a.Number, &status); err != nil {
			return nil, err
		}
		a.Status = InboxStatus(status)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}
