package persistence

import (
	"context"
	"database/sql"
	"errors"

	"github.com/aristath/spider/internal/ids"
)

// resolveOwner checks the owner's signature and returns its reference key.
func resolveOwner(ctx context.Context, tx *sql.Tx, owner DataOwner) (ownerKind, string, error) {
	switch owner.kind {
	case ownerResourceGroup:
		if owner.rg.IsZero() {
			return 0, "", invalidArgumentf("data owner has an empty resource group")
		}
		return ownerResourceGroup, owner.rg.String(), nil
	case ownerJob:
		if _, err := authorizeJob(ctx, tx, owner.job); err != nil {
			return 0, "", err
		}
		return ownerJob, owner.job.ID.String(), nil
	}
	return 0, "", invalidArgumentf("invalid data owner")
}

// CreateData stores a shared value with owner as its first reference.
func (s *SQLiteStore) CreateData(ctx context.Context, owner DataOwner, data Data) (ids.DataID, error) {
	id := ids.New[ids.Data]()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		kind, ownerID, err := resolveOwner(ctx, tx, owner)
		if err != nil {
			return err
		}
		value := data.Value
		if value == nil {
			value = []byte{}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO data (id, value, persisted, created_at) VALUES (?, ?, ?, ?)
		`, id, value, data.Persisted, s.timestamp()); err != nil {
			return internal(err, "failed to insert data")
		}
		return addRef(ctx, tx, id, kind, ownerID)
	})
	if err != nil {
		return ids.DataID{}, err
	}
	return id, nil
}

// GetData returns a shared value to one of its owners.
func (s *SQLiteStore) GetData(ctx context.Context, owner DataOwner, id ids.DataID) (Data, error) {
	var data Data
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		kind, ownerID, err := resolveOwner(ctx, tx, owner)
		if err != nil {
			return err
		}

		data.ID = id
		err = tx.QueryRowContext(ctx, `
			SELECT value, persisted FROM data WHERE id = ?
		`, id).Scan(&data.Value, &data.Persisted)
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundf("data %s", id)
		}
		if err != nil {
			return internal(err, "failed to query data %s", id)
		}

		held, err := holdsRef(ctx, tx, id, kind, ownerID)
		if err != nil {
			return err
		}
		if !held {
			return unauthorizedf("%s holds no reference to data %s", owner, id)
		}
		return nil
	})
	if err != nil {
		return Data{}, err
	}
	return data, nil
}

func holdsRef(ctx context.Context, tx *sql.Tx, id ids.DataID, kind ownerKind, ownerID string) (bool, error) {
	var held int
	err := tx.QueryRowContext(ctx, `
		SELECT 1 FROM data_refs WHERE data_id = ? AND owner_kind = ? AND owner_id = ?
	`, id, kind, ownerID).Scan(&held)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, internal(err, "failed to query data references")
	}
	return true, nil
}

// AddDataRef makes owner an additional holder of the data. Adding an
// existing reference is a no-op.
func (s *SQLiteStore) AddDataRef(ctx context.Context, owner DataOwner, id ids.DataID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		kind, ownerID, err := resolveOwner(ctx, tx, owner)
		if err != nil {
			return err
		}
		ok, err := dataExists(ctx, tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return notFoundf("data %s", id)
		}
		return addRef(ctx, tx, id, kind, ownerID)
	})
}

// RemoveDataRef releases owner's reference. Releasing the last reference
// deletes the data.
func (s *SQLiteStore) RemoveDataRef(ctx context.Context, owner DataOwner, id ids.DataID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		kind, ownerID, err := resolveOwner(ctx, tx, owner)
		if err != nil {
			return err
		}
		removed, err := dropRef(ctx, tx, id, kind, ownerID)
		if err != nil {
			return err
		}
		if !removed {
			return notFoundf("%s holds no reference to data %s", owner, id)
		}
		return nil
	})
}
