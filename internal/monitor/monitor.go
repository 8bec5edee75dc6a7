// Package monitor 负责按偏好设置周期性地执行端口发现，并缓存、持久化和广播结果。
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/hitushen/portpeek/internal/logger"
	"github.com/hitushen/portpeek/internal/models"
	"github.com/hitushen/portpeek/internal/realtime"
)

// RescanDelay 是终止进程后重新扫描前的等待时间。
const RescanDelay = 500 * time.Millisecond

// Discoverer 执行一次端口发现。
type Discoverer interface {
	Discover(ctx context.Context, watched []int) models.ScanResult
}

// Recorder 持久化扫描结果。
type Recorder interface {
	SaveScan(ctx context.Context, res models.ScanResult) (models.ScanResult, error)
	PruneScans(ctx context.Context, keep int) (int64, error)
}

// Publisher 向订阅者广播事件。
type Publisher interface {
	Publish(evt realtime.Event)
}

// Options 配置 Monitor 的可选协作者。
type Options struct {
	Recorder     Recorder
	Publisher    Publisher
	Logger       *logrus.Entry
	HistoryLimit int
	Preferences  models.Preferences
}

// Monitor 协调定时扫描与按需扫描，同一时刻最多只有一次发现在执行。
type Monitor struct {
	discoverer   Discoverer
	recorder     Recorder
	publisher    Publisher
	log          *logrus.Entry
	historyLimit int

	group singleflight.Group

	mu          sync.RWMutex
	prefs       models.Preferences
	current     models.ScanResult
	hasCurrent  bool
	lastSuccess models.ScanResult
	hasSuccess  bool

	ctx          context.Context
	cancel       context.CancelFunc
	reset        chan time.Duration
	wg           sync.WaitGroup
	startOnce    sync.Once
	shutdownOnce sync.Once

	// lifecycle 保护 closed，使 wg.Add 不会与 Close 中的 wg.Wait 并发。
	lifecycle sync.Mutex
	closed    bool
}

// New 创建 Monitor，调用 Start 之前不会自动扫描。
func New(d Discoverer, opts Options) *Monitor {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	prefs := opts.Preferences
	if len(prefs.WatchedPorts) == 0 && prefs.RefreshInterval == 0 {
		prefs = models.DefaultPreferences()
	}
	if prefs.RefreshInterval < models.MinRefreshInterval {
		prefs.RefreshInterval = models.DefaultRefreshInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		discoverer:   d,
		recorder:     opts.Recorder,
		publisher:    opts.Publisher,
		log:          log,
		historyLimit: opts.HistoryLimit,
		prefs:        prefs,
		ctx:          ctx,
		cancel:       cancel,
		reset:        make(chan time.Duration, 1),
	}
}

// Start 立即执行一次扫描，然后按刷新间隔周期扫描。
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		if !m.track() {
			return
		}
		go m.loop(m.Preferences().RefreshInterval)
	})
}

func (m *Monitor) loop(interval time.Duration) {
	defer m.wg.Done()
	m.runScan("startup")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.runScan("timer")
		case next := <-m.reset:
			ticker.Reset(next)
			m.log.WithField("interval", next).Info("refresh interval changed")
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Monitor) runScan(trigger string) {
	if _, err := m.ScanNow(m.ctx); err != nil && m.ctx.Err() == nil {
		m.log.WithError(err).WithField("trigger", trigger).Warn("scan aborted")
	}
}

// ScanNow 执行一次发现；已有扫描在进行时等待并共享其结果。
func (m *Monitor) ScanNow(ctx context.Context) (models.ScanResult, error) {
	ch := m.group.DoChan("scan", func() (interface{}, error) {
		return m.scan(), nil
	})
	select {
	case res := <-ch:
		return res.Val.(models.ScanResult), nil
	case <-ctx.Done():
		return models.ScanResult{}, ctx.Err()
	}
}

// ScheduleScan 在 delay 之后于后台触发一次扫描。
func (m *Monitor) ScheduleScan(delay time.Duration) {
	if !m.track() {
		return
	}
	go func() {
		defer m.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			m.runScan("scheduled")
		case <-m.ctx.Done():
		}
	}()
}

func (m *Monitor) scan() models.ScanResult {
	prefs := m.Preferences()
	start := time.Now()
	m.publish(realtime.Event{
		Type:    realtime.EventScanStarted,
		Payload: map[string]interface{}{"watchedPorts": prefs.WatchedPorts},
	})

	res := m.discoverer.Discover(m.ctx, prefs.WatchedPorts)
	if m.recorder != nil {
		saved, err := m.recorder.SaveScan(m.ctx, res)
		if err != nil {
			m.log.WithError(err).Warn("persist scan failed")
		} else {
			res = saved
			if m.historyLimit > 0 {
				if _, err := m.recorder.PruneScans(m.ctx, m.historyLimit); err != nil {
					m.log.WithError(err).Warn("prune scan history failed")
				}
			}
		}
	}

	m.mu.Lock()
	m.current, m.hasCurrent = res, true
	if res.OK() {
		m.lastSuccess, m.hasSuccess = res, true
	}
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"listeners": len(res.Listeners),
		"ok":        res.OK(),
		"duration":  time.Since(start).Truncate(time.Millisecond),
	}).Debug("scan completed")
	m.publish(realtime.Event{
		Type:   realtime.EventScanCompleted,
		ScanID: res.ID,
		Payload: map[string]interface{}{
			"listeners": res.Listeners,
			"scannedAt": res.ScannedAt,
			"error":     res.Error,
		},
	})
	return res
}

// Current 返回最近一次扫描结果（可能失败）。
func (m *Monitor) Current() (models.ScanResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.hasCurrent
}

// LastSuccess 返回最近一次成功的扫描结果。
func (m *Monitor) LastSuccess() (models.ScanResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSuccess, m.hasSuccess
}

// Seed 用持久化的历史结果初始化缓存，已有结果时不覆盖。
func (m *Monitor) Seed(latest, lastSuccess *models.ScanResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if latest != nil && !m.hasCurrent {
		m.current, m.hasCurrent = *latest, true
	}
	if lastSuccess != nil && !m.hasSuccess {
		m.lastSuccess, m.hasSuccess = *lastSuccess, true
	}
}

// Preferences 返回当前生效的偏好设置副本。
func (m *Monitor) Preferences() models.Preferences {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prefs := m.prefs
	prefs.WatchedPorts = append([]int(nil), m.prefs.WatchedPorts...)
	return prefs
}

// SetPreferences 应用新的偏好；间隔变化时重启定时器，并在后台立即重新扫描。
func (m *Monitor) SetPreferences(prefs models.Preferences) {
	if prefs.RefreshInterval < models.MinRefreshInterval {
		prefs.RefreshInterval = models.DefaultRefreshInterval
	}
	prefs.WatchedPorts = append([]int(nil), prefs.WatchedPorts...)

	m.mu.Lock()
	if m.prefs.RefreshInterval != prefs.RefreshInterval {
		// 只有持锁者写入 reset，先清空再写入不会阻塞。
		select {
		case <-m.reset:
		default:
		}
		m.reset <- prefs.RefreshInterval
	}
	m.prefs = prefs
	m.mu.Unlock()

	m.publish(realtime.Event{Type: realtime.EventPreferencesChanged, Payload: prefs})
	m.ScheduleScan(0)
}

func (m *Monitor) publish(evt realtime.Event) {
	if m.publisher != nil {
		m.publisher.Publish(evt)
	}
}

// Close 停止定时器与后台扫描并等待其退出。
func (m *Monitor) Close() {
	m.shutdownOnce.Do(func() {
		m.lifecycle.Lock()
		m.closed = true
		m.lifecycle.Unlock()
		m.cancel()
	})
	m.wg.Wait()
}

// track 为一个后台协程登记 wg，Monitor 已关闭时返回 false。
func (m *Monitor) track() bool {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	return true
}
