package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"github.com/hitushen/portpeek/internal/config"
	"github.com/hitushen/portpeek/internal/models"
	"github.com/hitushen/portpeek/internal/report"
	"github.com/hitushen/portpeek/internal/watchlist"
)

type discoverer interface {
	Discover(ctx context.Context, watched []int) models.ScanResult
}

type onceOutput struct {
	models.ScanResult
	WatchedPorts  []int `json:"watchedPorts"`
	InactivePorts []int `json:"inactivePorts"`
}

// runOnce 执行一次发现并输出文本或 JSON，扫描失败时返回错误。
func runOnce(ctx context.Context, w io.Writer, d discoverer, prefs models.Preferences, asJSON bool) error {
	res := d.Discover(ctx, prefs.WatchedPorts)
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		out := onceOutput{
			ScanResult:    res,
			WatchedPorts:  prefs.WatchedPorts,
			InactivePorts: res.InactivePorts(prefs.WatchedPorts),
		}
		if err := enc.Encode(out); err != nil {
			return err
		}
	} else {
		err := report.Render(w, res, report.Options{
			Watched:      prefs.WatchedPorts,
			ShowInactive: prefs.ShowInactive,
		})
		if err != nil {
			return err
		}
	}
	if !res.OK() {
		return errors.New(res.Error)
	}
	return nil
}

// apply 将命令行参数覆盖到配置上。
func (o *options) apply(cfg *config.Config) error {
	if o.Ports != "" {
		ports, err := watchlist.Parse(o.Ports)
		if err != nil {
			return fmt.Errorf("ports: %w", err)
		}
		cfg.Watched = ports
		cfg.WatchedPorts = watchlist.Format(ports)
	}
	if o.Interval != 0 {
		if o.Interval < models.MinRefreshInterval {
			return fmt.Errorf("interval must be at least %s", models.MinRefreshInterval)
		}
		cfg.RefreshInterval = o.Interval
	}
	if o.Addr != "" {
		cfg.Addr = o.Addr
	}
	if o.DBPath != "" {
		cfg.DBPath = o.DBPath
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	return nil
}
