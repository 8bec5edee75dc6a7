package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitushen/portpeek/internal/models"
	"github.com/hitushen/portpeek/internal/watchlist"
)

// LoadPreferences 读取已保存的偏好，尚未保存时返回 ErrNotFound。
func (s *Store) LoadPreferences(ctx context.Context) (models.Preferences, error) {
	var (
		ports        string
		intervalMS   int64
		showInactive int
		updatedAt    int64
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT watched_ports, refresh_interval_ms, show_inactive, updated_at FROM preferences WHERE id = 1`).
		Scan(&ports, &intervalMS, &showInactive, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Preferences{}, ErrNotFound
	}
	if err != nil {
		return models.Preferences{}, err
	}

	prefs := models.DefaultPreferences()
	if parsed, err := watchlist.Parse(ports); err == nil {
		prefs.WatchedPorts = parsed
	}
	if intervalMS > 0 {
		prefs.RefreshInterval = time.Duration(intervalMS) * time.Millisecond
	}
	prefs.ShowInactive = showInactive == 1
	prefs.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return prefs, nil
}

// EnsurePreferences 返回已保存的偏好；不存在时写入 initial 并返回。
func (s *Store) EnsurePreferences(ctx context.Context, initial models.Preferences) (models.Preferences, error) {
	prefs, err := s.LoadPreferences(ctx)
	if err == nil {
		return prefs, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.Preferences{}, err
	}
	return s.SavePreferences(ctx, initial)
}

// SavePreferences 校验并覆盖保存偏好，返回实际写入的值。
func (s *Store) SavePreferences(ctx context.Context, prefs models.Preferences) (models.Preferences, error) {
	prefs, err := watchlist.ValidatePreferences(prefs)
	if err != nil {
		return models.Preferences{}, err
	}
	prefs.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO preferences (id, watched_ports, refresh_interval_ms, show_inactive, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			watched_ports = excluded.watched_ports,
			refresh_interval_ms = excluded.refresh_interval_ms,
			show_inactive = excluded.show_inactive,
			updated_at = excluded.updated_at`,
		watchlist.Format(prefs.WatchedPorts), prefs.RefreshInterval.Milliseconds(), boolToInt(prefs.ShowInactive), prefs.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return models.Preferences{}, fmt.Errorf("save preferences: %w", err)
	}
	return prefs, nil
}

// ResetPreferences 将偏好恢复为默认值。
func (s *Store) ResetPreferences(ctx context.Context) (models.Preferences, error) {
	return s.SavePreferences(ctx, models.DefaultPreferences())
}
