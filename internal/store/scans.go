package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitushen/portpeek/internal/models"
)

// SaveScan 写入一次扫描及其监听记录，返回带 ID 的结果。
func (s *Store) SaveScan(ctx context.Context, res models.ScanResult) (models.ScanResult, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer func() { _ = tx.Rollback() }()

	out, err := tx.ExecContext(ctx, `INSERT INTO scans (scanned_at, error) VALUES (?, ?)`, res.ScannedAt.UnixMilli(), res.Error)
	if err != nil {
		return res, fmt.Errorf("insert scan: %w", err)
	}
	id, err := out.LastInsertId()
	if err != nil {
		return res, err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO listeners (scan_id, port, process_name, pid, user, protocol) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return res, err
	}
	defer stmt.Close()
	for _, l := range res.Listeners {
		if _, err := stmt.ExecContext(ctx, id, l.Port, l.ProcessName, l.PID, l.User, l.Protocol); err != nil {
			return res, fmt.Errorf("insert listener: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return res, err
	}
	res.ID = id
	return res, nil
}

// LatestScan 返回最近一次扫描，无论成功与否。
func (s *Store) LatestScan(ctx context.Context) (models.ScanResult, error) {
	return s.scanWhere(ctx, `1 = 1`)
}

// LastSuccessfulScan 返回最近一次没有错误的扫描。
func (s *Store) LastSuccessfulScan(ctx context.Context) (models.ScanResult, error) {
	return s.scanWhere(ctx, `error = ''`)
}

func (s *Store) scanWhere(ctx context.Context, cond string) (models.ScanResult, error) {
	var (
		res       models.ScanResult
		scannedAt int64
	)
	err := s.DB.QueryRowContext(ctx, `SELECT id, scanned_at, error FROM scans WHERE `+cond+` ORDER BY id DESC LIMIT 1`).
		Scan(&res.ID, &scannedAt, &res.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ScanResult{}, ErrNotFound
	}
	if err != nil {
		return models.ScanResult{}, err
	}
	res.ScannedAt = time.UnixMilli(scannedAt).UTC()
	if res.Listeners, err = s.listeners(ctx, res.ID); err != nil {
		return models.ScanResult{}, err
	}
	return res, nil
}

// ListScans 按时间倒序返回最多 limit 条扫描记录。
func (s *Store) ListScans(ctx context.Context, limit int) ([]models.ScanResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, scanned_at, error FROM scans ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}

	var scans []models.ScanResult
	for rows.Next() {
		var (
			res       models.ScanResult
			scannedAt int64
		)
		if err := rows.Scan(&res.ID, &scannedAt, &res.Error); err != nil {
			rows.Close()
			return nil, err
		}
		res.ScannedAt = time.UnixMilli(scannedAt).UTC()
		scans = append(scans, res)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	// 单连接下必须先关闭外层结果集再查询子表。
	for i := range scans {
		if scans[i].Listeners, err = s.listeners(ctx, scans[i].ID); err != nil {
			return nil, err
		}
	}
	return scans, nil
}

// PruneScans 只保留最近 keep 条扫描，返回删除的扫描数。
func (s *Store) PruneScans(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	const stale = `SELECT id FROM scans ORDER BY id DESC LIMIT -1 OFFSET ?`
	if _, err := tx.ExecContext(ctx, `DELETE FROM listeners WHERE scan_id IN (`+stale+`)`, keep); err != nil {
		return 0, fmt.Errorf("prune listeners: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM scans WHERE id IN (`+stale+`)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune scans: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func (s *Store) listeners(ctx context.Context, scanID int64) ([]models.ListenerRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT port, process_name, pid, user, protocol FROM listeners WHERE scan_id = ? ORDER BY id ASC`, scanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	listeners := []models.ListenerRecord{}
	for rows.Next() {
		var l models.ListenerRecord
		if err := rows.Scan(&l.Port, &l.ProcessName, &l.PID, &l.User, &l.Protocol); err != nil {
			return nil, err
		}
		listeners = append(listeners, l)
	}
	return listeners, rows.Err()
}
