package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/coni04123/unicx-integration/internal/models"
)

// FindUserByAddress looks up a registered user by normalized address within a
// tenant. Returns ErrNotFound when the sender is not a platform user.
func (d *DB) FindUserByAddress(ctx context.Context, address, tenantID string) (models.User, error) {
	query := `
	SELECT id, tenant_id, email, address, first_name, last_name, created_at
	FROM users
	WHERE tenant_id = $1 AND address = $2
	LIMIT 1`

	var u models.User
	err := d.Pool.QueryRow(ctx, query, tenantID, address).Scan(
		&u.ID, &u.TenantID, &u.Email, &u.Address, &u.FirstName, &u.LastName, &u.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("failed to find user by address: %w", err)
	}
	return u, nil
}

// GetUser fetches one user by id.
func (d *DB) GetUser(ctx context.Context, id string) (models.User, error) {
	query := `
	SELECT id, tenant_id, email, address, first_name, last_name, created_at
	FROM users WHERE id = $1`

	var u models.User
	err := d.Pool.QueryRow(ctx, query, id).Scan(
		&u.ID, &u.TenantID, &u.Email, &u.Address, &u.FirstName, &u.LastName, &u.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	return u, nil
}
