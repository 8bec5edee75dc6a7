package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitushen/portpeek/internal/models"
	"github.com/hitushen/portpeek/internal/watchlist"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "nested", "portpeek.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestEnsureAdminAndAuthenticate(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.EnsureAdmin(ctx, "admin", "secret"))
	user, err := st.Authenticate(ctx, "admin", "secret")
	require.NoError(t, err)
	assert.Equal(t, "admin", user.Username)

	_, err = st.Authenticate(ctx, "admin", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = st.Authenticate(ctx, "nobody", "secret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, st.EnsureAdmin(ctx, "admin", "rotated"))
	_, err = st.Authenticate(ctx, "admin", "secret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	again, err := st.Authenticate(ctx, "admin", "rotated")
	require.NoError(t, err)
	assert.Equal(t, user.ID, again.ID)
}

func TestMigrateIsRepeatable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portpeek.db")
	st, err := New(path)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = New(path)
	require.NoError(t, err)
	require.NoError(t, st.Close())
}

func TestPreferencesLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.LoadPreferences(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	initial := models.Preferences{WatchedPorts: []int{8080, 3000}, RefreshInterval: 10 * time.Second}
	prefs, err := st.EnsurePreferences(ctx, initial)
	require.NoError(t, err)
	assert.Equal(t, []int{8080, 3000}, prefs.WatchedPorts)
	assert.False(t, prefs.UpdatedAt.IsZero())

	// 已存在时不会被初始值覆盖。
	prefs, err = st.EnsurePreferences(ctx, models.DefaultPreferences())
	require.NoError(t, err)
	assert.Equal(t, []int{8080, 3000}, prefs.WatchedPorts)

	saved, err := st.SavePreferences(ctx, models.Preferences{WatchedPorts: []int{5173, 5173, 22}, RefreshInterval: 2 * time.Second, ShowInactive: true})
	require.NoError(t, err)
	assert.Equal(t, []int{5173, 22}, saved.WatchedPorts)

	loaded, err := st.LoadPreferences(ctx)
	require.NoError(t, err)
	assert.Equal(t, saved.WatchedPorts, loaded.WatchedPorts)
	assert.Equal(t, 2*time.Second, loaded.RefreshInterval)
	assert.True(t, loaded.ShowInactive)
	assert.True(t, saved.UpdatedAt.Equal(loaded.UpdatedAt))

	reset, err := st.ResetPreferences(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultWatchedPorts, reset.WatchedPorts)
	assert.Equal(t, models.DefaultRefreshInterval, reset.RefreshInterval)
	assert.False(t, reset.ShowInactive)
}

func TestSavePreferencesRejectsInvalid(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.SavePreferences(ctx, models.Preferences{WatchedPorts: []int{0}, RefreshInterval: time.Minute})
	assert.True(t, watchlist.IsValidationError(err))

	_, err = st.SavePreferences(ctx, models.Preferences{WatchedPorts: []int{80}})
	assert.ErrorIs(t, err, watchlist.ErrIntervalTooShort)

	_, err = st.LoadPreferences(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScanHistory(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	_, err := st.LatestScan(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := st.SaveScan(ctx, models.ScanResult{
		ScannedAt: base,
		Listeners: []models.ListenerRecord{
			{Port: 3000, ProcessName: "node", PID: 111, User: "mike", Protocol: "TCP"},
			{Port: 5432, ProcessName: models.LocalhostTag, PID: models.NoPID, User: models.UnknownValue, Protocol: "TCP"},
		},
	})
	require.NoError(t, err)
	assert.NotZero(t, ok.ID)

	failed, err := st.SaveScan(ctx, models.ScanResult{ScannedAt: base.Add(5 * time.Second), Listeners: []models.ListenerRecord{}, Error: "lsof command not found"})
	require.NoError(t, err)

	latest, err := st.LatestScan(ctx)
	require.NoError(t, err)
	assert.Equal(t, failed.ID, latest.ID)
	assert.Equal(t, "lsof command not found", latest.Error)
	assert.Empty(t, latest.Listeners)

	success, err := st.LastSuccessfulScan(ctx)
	require.NoError(t, err)
	assert.Equal(t, ok.ID, success.ID)
	assert.True(t, base.Equal(success.ScannedAt))
	assert.Equal(t, ok.Listeners, success.Listeners)

	scans, err := st.ListScans(ctx, 10)
	require.NoError(t, err)
	require.Len(t, scans, 2)
	assert.Equal(t, failed.ID, scans[0].ID)
	assert.Len(t, scans[1].Listeners, 2)
}

func TestPruneScans(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	var ids []int64
	for i := 0; i < 5; i++ {
		res, err := st.SaveScan(ctx, models.ScanResult{
			ScannedAt: base.Add(time.Duration(i) * time.Second),
			Listeners: []models.ListenerRecord{{Port: 3000 + i, ProcessName: "node", PID: 100 + i, User: "mike", Protocol: "TCP"}},
		})
		require.NoError(t, err)
		ids = append(ids, res.ID)
	}

	removed, err := st.PruneScans(ctx, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, removed)

	scans, err := st.ListScans(ctx, 10)
	require.NoError(t, err)
	require.Len(t, scans, 2)
	assert.Equal(t, ids[4], scans[0].ID)
	assert.Equal(t, ids[3], scans[1].ID)

	var orphaned int
	require.NoError(t, st.DB.QueryRow(`SELECT COUNT(1) FROM listeners WHERE scan_id NOT IN (SELECT id FROM scans)`).Scan(&orphaned))
	assert.Zero(t, orphaned)

	removed, err = st.PruneScans(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, removed)
}
