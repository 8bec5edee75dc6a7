// Package discovery 负责确定关注端口中哪些正在被本机进程监听，以及监听者是谁。
//
// 发现过程是一条固定顺序的回退链：
//
//  1. 全量 lsof 查询（-iTCP -sTCP:LISTEN）；
//  2. 逐端口 lsof 查询，绕开只影响大范围查询的隐私限制；
//  3. 逐端口只取名称字段的查询，只能确认端口；
//  4. 直接连接 127.0.0.1 / ::1 进行探测。
//
// 后一阶段只在前面所有阶段都没有产出记录时才会执行。
package discovery

import (
	"context"
	"os/user"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hitushen/portpeek/internal/logger"
	"github.com/hitushen/portpeek/internal/models"
)

// Options 是调用方持有的发现配置，Engine 自身不保存任何可变状态。
type Options struct {
	// Inspector 为空时使用本机 lsof。
	Inspector Inspector
	// InvocationTimeout 限制单次 lsof 调用，0 表示不限制。
	InvocationTimeout time.Duration
	// Prober 为空时使用 DialProber。
	Prober       Prober
	ProbeTimeout time.Duration
	// User 非空时所有 lsof 查询都附加 -a -u <user>。
	User string
	// FailFast 为 true 时逐端口阶段在第一个未分类失败处中止整个发现过程。
	FailFast bool
	Logger   *logrus.Entry
	Now      func() time.Time
}

// Engine 按顺序执行回退链并产出 ScanResult。
type Engine struct {
	broad     Strategy
	fallbacks []Strategy
	log       *logrus.Entry
	now       func() time.Time
}

// New 根据 Options 组装默认的四阶段回退链。
func New(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	inspector := opts.Inspector
	if inspector == nil {
		inspector = NewLsofInspector(opts.InvocationTimeout)
	}
	prober := opts.Prober
	if prober == nil {
		prober = NewDialProber(opts.ProbeTimeout, log)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		broad: &broadQuery{inspector: inspector, user: opts.User, log: log},
		fallbacks: []Strategy{
			&perPortQuery{inspector: inspector, user: opts.User, failFast: opts.FailFast, log: log},
			&nameOnlyQuery{inspector: inspector, user: opts.User, failFast: opts.FailFast, log: log},
			&connectProbe{prober: prober, log: log},
		},
		log: log,
		now: now,
	}
}

// Discover 执行一次完整的发现过程。返回的记录只包含关注端口；
// 出错时记录为空且 Error 字段携带错误描述。
func (e *Engine) Discover(ctx context.Context, watched []int) models.ScanResult {
	scannedAt := e.now()
	records, err := e.run(ctx, watched)
	if err != nil {
		if IsFatal(err) {
			e.log.WithError(err).Error("scan failed, lsof is unavailable")
		} else {
			e.log.WithError(err).Warn("scan failed")
		}
		return models.ScanResult{
			Listeners: []models.ListenerRecord{},
			ScannedAt: scannedAt,
			Error:     err.Error(),
		}
	}
	return models.ScanResult{
		Listeners: FilterWatched(records, watched),
		ScannedAt: scannedAt,
	}
}

func (e *Engine) run(ctx context.Context, watched []int) ([]models.ListenerRecord, error) {
	broad, err := e.broad.Attempt(ctx, watched)
	if err != nil {
		return nil, err
	}
	if len(broad.Records) > 0 {
		return broad.Records, nil
	}
	if broad.Outcome.Kind == OutcomeNoMatch {
		return nil, nil
	}

	if len(watched) > 0 {
		var failures error
		for _, stage := range e.fallbacks {
			attempt, err := stage.Attempt(ctx, watched)
			if err != nil {
				return nil, err
			}
			if len(attempt.Records) > 0 {
				if attempt.Failures != nil {
					e.log.WithError(attempt.Failures).WithField("stage", stage.Name()).Warn("stage succeeded with skipped ports")
				}
				e.log.WithFields(logrus.Fields{"stage": stage.Name(), "records": len(attempt.Records)}).Debug("fallback stage produced records")
				return attempt.Records, nil
			}
			if attempt.Failures != nil {
				failures = attempt.Failures
			}
		}
		return nil, failures
	}

	switch broad.Outcome.Kind {
	case OutcomeSuccess, OutcomePermissionPartial:
		return nil, nil
	}
	return nil, broad.Outcome.Err()
}

// CurrentUser 返回当前系统用户名，取不到时为空。
func CurrentUser() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(u.Username)
}
