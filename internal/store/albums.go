// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// CreateAlbum inserts an album row.
func (s *Store) CreateAlbum(ctx context.Context, a *Album) error {
	now := nowMS()
	var isRestricted sql.NullInt64
	var cents int64
	var name string
	var updatedAt sql.NullInt64
	if a.Restrictions != nil {
		isRestricted = sql.NullInt64{Int64: int64(boolToInt(a.Restrictions.IsRestricted)), Valid: true}
		cents = a.Restrictions.MinimumTierCents
		name = a.Restrictions.MinimumTierName
		updatedAt = sql.NullInt64{Int64: a.Restrictions.UpdatedAt.UnixMilli(), Valid: true}
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO albums (album_id, owner_id, is_restricted, minimum_tier_cents,
			minimum_tier_name, restrictions_updated_at_ms, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.AlbumID, a.OwnerID, isRestricted, cents, name, updatedAt, now)
	if err == nil {
		a.CreatedAt = time.UnixMilli(now)
	}
	return err
}

// GetAlbum returns the album with the given id, or ErrNotFound.
func (s *Store) GetAlbum(ctx context.Context, albumID string) (*Album, error) {
	var a Album
	var isRestricted, updatedAt sql.NullInt64
	var cents int64
	var name string
	var createdAt int64

	err := s.DB.QueryRowContext(ctx, `
		SELECT album_id, owner_id, is_restricted, minimum_tier_cents,
			minimum_tier_name, restrictions_updated_at_ms, created_at_ms
		FROM albums WHERE album_id = ?`, albumID).
		Scan(&a.AlbumID, &a.OwnerID, &isRestricted, &cents, &name, &updatedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if isRestricted.Valid {
		a.Restrictions = &TierRestrictions{
			IsRestricted:     isRestricted.Int64 != 0,
			MinimumTierCents: cents,
			MinimumTierName:  name,
			UpdatedAt:        msToTime(updatedAt),
		}
	}
	a.CreatedAt = time.UnixMilli(createdAt)
	return &a, nil
}

// SetTierRestrictions replaces the album access policy and bumps the
// content version of every track in the album so outstanding grant tokens
// become invalid. Returns the affected track ids for cache purging.
func (s *Store) SetTierRestrictions(ctx context.Context, albumID string, r TierRestrictions) ([]string, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE albums SET is_restricted = ?, minimum_tier_cents = ?,
			minimum_tier_name = ?, restrictions_updated_at_ms = ?
		WHERE album_id = ?`,
		boolToInt(r.IsRestricted), r.MinimumTierCents, r.MinimumTierName, nowMS(), albumID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.BumpContentVersionForAlbum(ctx, albumID)
}

// DeleteAlbum removes the album; tracks and their dependents cascade.
func (s *Store) DeleteAlbum(ctx context.Context, albumID string) error {
	_, err := s.DB.ExecContext(ctx, "DELETE FROM albums WHERE album_id = ?", albumID)
	return err
}

// GetUser returns the tier attributes of a user, or ErrNotFound.
func (s *Store) GetUser(ctx context.Context, userID int64) (*User, error) {
	var u User
	var isTeam int
	err := s.DB.QueryRowContext(ctx,
		"SELECT user_id, tier_amount_cents, is_team FROM users WHERE user_id = ?",
		userID).Scan(&u.UserID, &u.TierAmountCents, &isTeam)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.IsTeam = isTeam != 0
	return &u, nil
}

// PutUser upserts a user's tier attributes.
func (s *Store) PutUser(ctx context.Context, u *User) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO users (user_id, tier_amount_cents, is_team) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			tier_amount_cents = excluded.tier_amount_cents,
			is_team = excluded.is_team`,
		u.UserID, u.TierAmountCents, boolToInt(u.IsTeam))
	return err
}

// DonationCents returns the one-off donation amount from user to creator.
func (s *Store) DonationCents(ctx context.Context, userID, creatorID int64) (int64, error) {
	var cents int64
	err := s.DB.QueryRowContext(ctx,
		"SELECT amount_cents FROM donations WHERE user_id = ? AND creator_id = ?",
		userID, creatorID).Scan(&cents)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return cents, err
}

// PutDonation records a one-off donation.
func (s *Store) PutDonation(ctx context.Context, userID, creatorID, cents int64) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO donations (user_id, creator_id, amount_cents) VALUES (?, ?, ?)
		ON CONFLICT(user_id, creator_id) DO UPDATE SET amount_cents = excluded.amount_cents`,
		userID, creatorID, cents)
	return err
}
