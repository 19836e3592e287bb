package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/protocore/internal/crypto"
	"github.com/roach88/protocore/internal/ident"
	"github.com/roach88/protocore/internal/wire"
)

// ErrUnknownIdentity is returned when an owned identity is not registered.
var ErrUnknownIdentity = errors.New("store: unknown owned identity")

// Contact is a trusted remote identity of an owned identity.
type Contact struct {
	Owner       ident.Identity
	Identity    ident.Identity
	Details     ident.CoreDetails
	TrustOrigin ident.TrustOrigin
	Devices     []ident.DeviceUID
}

// directory implements ident.Directory on top of a querier, so the same
// code serves reads outside a transaction and writes inside a step.
type directory struct {
	q querier
}

var _ ident.Directory = directory{}

// Directory returns the identity directory bound to the transaction.
func (t *Tx) Directory() ident.Directory {
	return directory{q: t.tx}
}

// Directory returns an identity directory operating outside any transaction.
func (s *Store) Directory() ident.Directory {
	return directory{q: s.db}
}

// AddOwnedIdentity registers an owned identity with its long-term secret.
// Re-registering an identity replaces its secret and details.
func (s *Store) AddOwnedIdentity(ctx context.Context, id ident.Identity, secret []byte, details ident.CoreDetails) error {
	encoded, err := wire.Encode(details.Wire())
	if err != nil {
		return fmt.Errorf("add owned identity: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO owned_identities (identity, secret, details)
		VALUES (?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET secret = excluded.secret, details = excluded.details
	`, id.Bytes(), secret, encoded)
	if err != nil {
		return fmt.Errorf("add owned identity: %w", err)
	}
	return nil
}

// AddOwnedDevice registers a device of an owned identity. Marking a device
// current clears the flag on every other device of the same identity.
func (s *Store) AddOwnedDevice(ctx context.Context, owner ident.Identity, device ident.DeviceUID, current bool) error {
	return s.Update(ctx, func(tx *Tx) error {
		if current {
			if _, err := tx.tx.ExecContext(ctx, `UPDATE owned_devices SET current = 0 WHERE owner = ?`, owner.Bytes()); err != nil {
				return fmt.Errorf("add owned device: %w", err)
			}
		}
		_, err := tx.tx.ExecContext(ctx, `
			INSERT INTO owned_devices (owner, device_uid, current)
			VALUES (?, ?, ?)
			ON CONFLICT(owner, device_uid) DO UPDATE SET current = excluded.current
		`, owner.Bytes(), device[:], current)
		if err != nil {
			return fmt.Errorf("add owned device: %w", err)
		}
		return nil
	})
}

// Contacts returns the contacts of owner with their device sets, ordered by
// contact identity.
func (s *Store) Contacts(ctx context.Context, owner ident.Identity) ([]Contact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT contact, details, trust_origin
		FROM contacts
		WHERE owner = ?
		ORDER BY contact ASC
	`, owner.Bytes())
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}

	var out []Contact
	for rows.Next() {
		var (
			contact, details []byte
			origin           string
		)
		if err := rows.Scan(&contact, &details, &origin); err != nil {
			rows.Close()
			return nil, fmt.Errorf("list contacts: %w", err)
		}
		d, err := decodeDetails(details)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("list contacts: %w", err)
		}
		out = append(out, Contact{
			Owner:       owner,
			Identity:    ident.IdentityFromBytes(contact),
			Details:     d,
			TrustOrigin: ident.TrustOrigin(origin),
		})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	rows.Close()

	for i := range out {
		devices, err := queryUIDs(ctx, s.db, `
			SELECT device_uid FROM contact_devices
			WHERE owner = ? AND contact = ?
			ORDER BY device_uid ASC
		`, owner.Bytes(), out[i].Identity.Bytes())
		if err != nil {
			return nil, fmt.Errorf("list contacts: %w", err)
		}
		out[i].Devices = devices
	}
	return out, nil
}

func (d directory) CurrentDeviceUID(ctx context.Context, owned ident.Identity) (ident.DeviceUID, error) {
	var b []byte
	err := d.q.QueryRowContext(ctx, `
		SELECT device_uid FROM owned_devices
		WHERE owner = ? AND current = 1
	`, owned.Bytes()).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("current device of %s: %w", owned, ErrUnknownIdentity)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("current device of %s: %w", owned, err)
	}
	return uuid.FromBytes(b)
}

func (d directory) DeviceUIDs(ctx context.Context, owned ident.Identity) ([]ident.DeviceUID, error) {
	devices, err := queryUIDs(ctx, d.q, `
		SELECT device_uid FROM owned_devices
		WHERE owner = ?
		ORDER BY device_uid ASC
	`, owned.Bytes())
	if err != nil {
		return nil, fmt.Errorf("devices of %s: %w", owned, err)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("devices of %s: %w", owned, ErrUnknownIdentity)
	}
	return devices, nil
}

func (d directory) OtherDeviceUIDs(ctx context.Context, owned ident.Identity) ([]ident.DeviceUID, error) {
	if _, err := d.CurrentDeviceUID(ctx, owned); err != nil {
		return nil, err
	}
	devices, err := queryUIDs(ctx, d.q, `
		SELECT device_uid FROM owned_devices
		WHERE owner = ? AND current = 0
		ORDER BY device_uid ASC
	`, owned.Bytes())
	if err != nil {
		return nil, fmt.Errorf("other devices of %s: %w", owned, err)
	}
	return devices, nil
}

func (d directory) OwnedDetails(ctx context.Context, owned ident.Identity) (ident.CoreDetails, error) {
	var b []byte
	err := d.q.QueryRowContext(ctx, `SELECT details FROM owned_identities WHERE identity = ?`, owned.Bytes()).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return ident.CoreDetails{}, fmt.Errorf("details of %s: %w", owned, ErrUnknownIdentity)
	}
	if err != nil {
		return ident.CoreDetails{}, fmt.Errorf("details of %s: %w", owned, err)
	}
	return decodeDetails(b)
}

func (d directory) DeriveSeed(ctx context.Context, owned ident.Identity, diversifier []byte) (crypto.Seed, error) {
	var secret []byte
	err := d.q.QueryRowContext(ctx, `SELECT secret FROM owned_identities WHERE identity = ?`, owned.Bytes()).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return crypto.Seed{}, fmt.Errorf("derive seed for %s: %w", owned, ErrUnknownIdentity)
	}
	if err != nil {
		return crypto.Seed{}, fmt.Errorf("derive seed for %s: %w", owned, err)
	}
	return crypto.DeriveSeed(secret, diversifier)
}

func (d directory) AddContact(ctx context.Context, owned, contact ident.Identity, details ident.CoreDetails, origin ident.TrustOrigin) error {
	encoded, err := wire.Encode(details.Wire())
	if err != nil {
		return fmt.Errorf("add contact %s: %w", contact, err)
	}
	// An existing contact keeps its details and gains the new trust origin.
	_, err = d.q.ExecContext(ctx, `
		INSERT INTO contacts (owner, contact, details, trust_origin)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(owner, contact) DO UPDATE SET trust_origin = excluded.trust_origin
	`, owned.Bytes(), contact.Bytes(), encoded, string(origin))
	if err != nil {
		return fmt.Errorf("add contact %s: %w", contact, err)
	}
	return nil
}

func (d directory) AddContactDevice(ctx context.Context, owned, contact ident.Identity, device ident.DeviceUID) error {
	_, err := d.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO contact_devices (owner, contact, device_uid)
		VALUES (?, ?, ?)
	`, owned.Bytes(), contact.Bytes(), device[:])
	if err != nil {
		return fmt.Errorf("add device to contact %s: %w", contact, err)
	}
	return nil
}

func queryUIDs(ctx context.Context, q querier, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		u, err := uuid.FromBytes(b)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func decodeDetails(b []byte) (ident.CoreDetails, error) {
	v, err := wire.Decode(b)
	if err != nil {
		return ident.CoreDetails{}, fmt.Errorf("decode details: %w", err)
	}
	return ident.DetailsFromWire(v)
}

func encodeDevices(devices []ident.DeviceUID) ([]byte, error) {
	return wire.Encode(ident.DevicesWire(devices))
}

func decodeDevices(b []byte) ([]ident.DeviceUID, error) {
	v, err := wire.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("decode devices: %w", err)
	}
	return ident.DevicesFromWire(v)
}
