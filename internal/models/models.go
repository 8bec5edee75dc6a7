package models

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// 监听记录中缺失信息时使用的占位值。
// PID <= 0 表示没有进程归属，而不是一个真实的进程号。
const (
	NoPID        = -1
	UnknownValue = "unknown"
	LocalhostTag = "localhost"
	ProtocolTCP  = "TCP"
)

// User 表示已认证的账户信息。
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ListenerRecord 描述一个被发现的监听套接字。
type ListenerRecord struct {
	Port        int    `json:"port"`
	ProcessName string `json:"processName"`
	PID         int    `json:"pid"`
	User        string `json:"user"`
	Protocol    string `json:"protocol"`
}

// HasProcess 报告该记录是否关联到真实进程。
func (r ListenerRecord) HasProcess() bool {
	return r.PID > 0
}

// CanTerminate 仅当存在真实 PID 时才允许发送终止信号。
func (r ListenerRecord) CanTerminate() bool {
	return r.HasProcess()
}

// URL 返回该端口在本机上的访问地址。
func (r ListenerRecord) URL() string {
	return "http://" + r.HostPort()
}

// HostPort 返回 localhost:<port> 形式的字符串。
func (r ListenerRecord) HostPort() string {
	return "localhost:" + strconv.Itoa(r.Port)
}

// PIDLabel 返回展示用的 PID 文本，缺失时为 n/a。
func (r ListenerRecord) PIDLabel() string {
	if !r.HasProcess() {
		return "n/a"
	}
	return strconv.Itoa(r.PID)
}

// ScanResult 是一次发现过程的不可变快照。
type ScanResult struct {
	ID        int64            `json:"id,omitempty"`
	Listeners []ListenerRecord `json:"listeners"`
	ScannedAt time.Time        `json:"scannedAt"`
	Error     string           `json:"error,omitempty"`
}

// OK 报告本次扫描是否成功。
func (s ScanResult) OK() bool {
	return s.Error == ""
}

// ActivePorts 返回监听列表中出现过的端口集合。
func (s ScanResult) ActivePorts() map[int]struct{} {
	active := make(map[int]struct{}, len(s.Listeners))
	for _, l := range s.Listeners {
		active[l.Port] = struct{}{}
	}
	return active
}

// InactivePorts 按关注列表顺序返回当前没有监听者的端口。
func (s ScanResult) InactivePorts(watched []int) []int {
	active := s.ActivePorts()
	inactive := make([]int, 0, len(watched))
	for _, port := range watched {
		if _, ok := active[port]; ok {
			continue
		}
		inactive = append(inactive, port)
	}
	return inactive
}

// RelativeTime 返回相对 now 的扫描时间描述，例如 "just now"、"5s ago"。
func (s ScanResult) RelativeTime(now time.Time) string {
	return RelativeTime(s.ScannedAt, now)
}

// RelativeTime 将 then 到 now 的间隔格式化为简短文本。
func RelativeTime(then, now time.Time) string {
	elapsed := now.Sub(then).Seconds()
	switch {
	case elapsed < 2:
		return "just now"
	case elapsed < 60:
		return fmt.Sprintf("%ds ago", int(elapsed))
	case elapsed < 3600:
		return fmt.Sprintf("%dm ago", int(elapsed/60))
	default:
		return fmt.Sprintf("%dh ago", int(elapsed/3600))
	}
}

// Preferences 汇总用户可修改的监控设置。
type Preferences struct {
	WatchedPorts    []int         `json:"watchedPorts"`
	RefreshInterval time.Duration `json:"-"`
	ShowInactive    bool          `json:"showInactivePorts"`
	UpdatedAt       time.Time     `json:"updatedAt,omitempty"`
}

type preferencesJSON struct {
	WatchedPorts           []int      `json:"watchedPorts"`
	RefreshIntervalSeconds float64    `json:"refreshIntervalSeconds"`
	ShowInactive           bool       `json:"showInactivePorts"`
	UpdatedAt              *time.Time `json:"updatedAt,omitempty"`
}

// MarshalJSON 以秒为单位输出刷新间隔。
func (p Preferences) MarshalJSON() ([]byte, error) {
	out := preferencesJSON{
		WatchedPorts:           p.WatchedPorts,
		RefreshIntervalSeconds: p.RefreshInterval.Seconds(),
		ShowInactive:           p.ShowInactive,
	}
	if !p.UpdatedAt.IsZero() {
		out.UpdatedAt = &p.UpdatedAt
	}
	return json.Marshal(out)
}

// UnmarshalJSON 读取以秒为单位的刷新间隔。
func (p *Preferences) UnmarshalJSON(data []byte) error {
	var in preferencesJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	p.WatchedPorts = in.WatchedPorts
	p.RefreshInterval = time.Duration(in.RefreshIntervalSeconds * float64(time.Second))
	p.ShowInactive = in.ShowInactive
	p.UpdatedAt = time.Time{}
	if in.UpdatedAt != nil {
		p.UpdatedAt = *in.UpdatedAt
	}
	return nil
}

// DefaultWatchedPorts 是首次启动时关注的常见开发端口。
var DefaultWatchedPorts = []int{3000, 3001, 5173, 8080, 8000, 5000, 4000, 5432, 6379, 27017, 9200, 15672}

// 轮询间隔的默认值与下限。
const (
	DefaultRefreshInterval = 5 * time.Second
	MinRefreshInterval     = time.Second
)

// DefaultPreferences 返回一份新的默认设置。
func DefaultPreferences() Preferences {
	ports := make([]int, len(DefaultWatchedPorts))
	copy(ports, DefaultWatchedPorts)
	return Preferences{
		WatchedPorts:    ports,
		RefreshInterval: DefaultRefreshInterval,
		ShowInactive:    false,
	}
}

// Signal 表示可发送给监听进程的终止信号。
type Signal int

// 终止信号枚举。
const (
	SignalTerm Signal = 15
	SignalKill Signal = 9
)

// Name 返回信号的标准名称。
func (s Signal) Name() string {
	switch s {
	case SignalTerm:
		return "SIGTERM"
	case SignalKill:
		return "SIGKILL"
	default:
		return fmt.Sprintf("signal %d", int(s))
	}
}

// ParseSignal 将 "term" / "kill" 等输入解析为信号。
func ParseSignal(raw string) (Signal, error) {
	switch raw {
	case "", "term", "TERM", "SIGTERM", "15":
		return SignalTerm, nil
	case "kill", "KILL", "SIGKILL", "9":
		return SignalKill, nil
	}
	return 0, fmt.Errorf("unsupported signal %q", raw)
}
