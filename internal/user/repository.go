package user

import (
	"context"
	"database/sql"
	"errors"
)

var ErrNotFound = errors.New("user not found")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetByID(ctx context.Context, id string) (*User, error) {
	u := &User{}
	var avatar sql.NullString
	query := "SELECT id, display_name, avatar_url FROM users WHERE id = $1"

	err := r.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.DisplayName, &avatar)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if avatar.Valid {
		u.AvatarURL = avatar.String
	}

	return u, nil
}

// Upsert records the identity seen on a handshake so later REST-originated
// sends can resolve it.
func (r *Repository) Upsert(ctx context.Context, u *User) error {
	query := `
		INSERT INTO users (id, display_name, avatar_url)
		VALUES ($1, $2, NULLIF($3, ''))
		ON CONFLICT (id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    avatar_url = COALESCE(EXCLUDED.avatar_url, users.avatar_url)
	`
	_, err := r.db.ExecContext(ctx, query, u.ID, u.DisplayName, u.AvatarURL)
	return err
}
