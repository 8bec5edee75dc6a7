package discovery

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hitushen/portpeek/internal/logger"
	"github.com/hitushen/portpeek/internal/watchlist"
)

// DefaultProbeTimeout 是单次本机连接探测的默认时限。
const DefaultProbeTimeout = 300 * time.Millisecond

// Prober 返回给定端口中在本机确有监听者的那部分。
type Prober interface {
	ActivePorts(ctx context.Context, ports []int) ([]int, error)
}

// DialProber 依次尝试连接 127.0.0.1 与 ::1，任一成功即认为端口活跃。
type DialProber struct {
	Timeout time.Duration
	Log     *logrus.Entry
}

// NewDialProber 创建 DialProber，timeout 为 0 时使用默认值。
func NewDialProber(timeout time.Duration, log *logrus.Entry) *DialProber {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if log == nil {
		log = logger.Discard()
	}
	return &DialProber{Timeout: timeout, Log: log}
}

func (d *DialProber) ActivePorts(ctx context.Context, ports []int) ([]int, error) {
	var active []int
	for _, port := range ports {
		if ctx.Err() != nil {
			return active, ctx.Err()
		}
		if d.isOpen(ctx, port) {
			active = append(active, port)
		}
	}
	return active, nil
}

func (d *DialProber) isOpen(ctx context.Context, port int) bool {
	if !watchlist.Valid(port) {
		return false
	}
	return d.dial(ctx, "tcp4", "127.0.0.1", port) || d.dial(ctx, "tcp6", "::1", port)
}

func (d *DialProber) dial(ctx context.Context, network, host string, port int) bool {
	dialer := net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		entry := d.Log.WithFields(logrus.Fields{"network": network, "port": port})
		switch {
		case errors.Is(err, syscall.ECONNREFUSED):
			// 没有监听者。
		case isSocketSetupError(err):
			entry.WithError(err).Info("could not create probe socket")
		default:
			entry.WithError(err).Debug("probe connect failed")
		}
		return false
	}
	_ = conn.Close()
	return true
}

// isSocketSetupError 区分“无法创建套接字”与普通的连接失败。
func isSocketSetupError(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return sysErr.Syscall == "socket" || sysErr.Syscall == "setsockopt"
	}
	return false
}
