package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/buelon-hub/pipehub/internal/domain"
)

const (
	selectVelocityQuery = `SELECT tag, velocity_limit FROM tag_velocities WHERE tag = $1`
	selectAllVelocityQuery = `SELECT tag, velocity_limit FROM tag_velocities`
	upsertVelocityQuery = `INSERT INTO tag_velocities (tag, velocity_limit) VALUES ($1, $2)
		ON CONFLICT (tag) DO UPDATE SET velocity_limit = EXCLUDED.velocity_limit`
)

// VelocityStore implements repo.VelocityStore over a Postgres tag_velocities table.
type VelocityStore struct {
	db DB
}

func NewVelocityStore(db DB) *VelocityStore {
	if db == nil {
		return nil
	}
	return &VelocityStore{db: db}
}

func (v *VelocityStore) Get(ctx context.Context, tag string) (domain.TagVelocity, bool, error) {
	if v == nil || v.db == nil {
		return domain.TagVelocity{}, false, fmt.Errorf("velocity store not initialized")
	}
	var out domain.TagVelocity
	err := v.db.QueryRowContext(ctx, selectVelocityQuery, tag).Scan(&out.Tag, &out.VelocityLimit)
	if err == sql.ErrNoRows {
		return domain.TagVelocity{}, false, nil
	}
	if err != nil {
		return domain.TagVelocity{}, false, fmt.Errorf("get velocity: %w", err)
	}
	return out, true, nil
}

func (v *VelocityStore) All(ctx context.Context) ([]domain.TagVelocity, error) {
	if v == nil || v.db == nil {
		return nil, fmt.Errorf("velocity store not initialized")
	}
	rows, err := v.db.QueryContext(ctx, selectAllVelocityQuery)
	if err != nil {
		return nil, fmt.Errorf("list velocities: %w", err)
	}
	defer rows.Close()

	var out []domain.TagVelocity
	for rows.Next() {
		var row domain.TagVelocity
		if err := rows.Scan(&row.Tag, &row.VelocityLimit); err != nil {
			return nil, fmt.Errorf("list velocities: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (v *VelocityStore) Upsert(ctx context.Context, row domain.TagVelocity) error {
	if v == nil || v.db == nil {
		return fmt.Errorf("velocity store not initialized")
	}
	_, err := v.db.ExecContext(ctx, upsertVelocityQuery, row.Tag, row.VelocityLimit)
	if err != nil {
		return fmt.Errorf("upsert velocity: %w", err)
	}
	return nil
}
