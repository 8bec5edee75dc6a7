package killer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"github.com/hitushen/portpeek/internal/logger"
	"github.com/hitushen/portpeek/internal/models"
)

// ErrNoProcessAttribution 表示记录没有真实 PID，无法发送信号。
var ErrNoProcessAttribution = errors.New("listener has no process attribution")

// KillError 描述一次失败的信号发送。
type KillError struct {
	PID    int
	Signal models.Signal
	Err    error
}

func (e *KillError) Error() string {
	return fmt.Sprintf("failed to send %s to process %d: %s", e.Signal.Name(), e.PID, e.reason())
}

func (e *KillError) Unwrap() error { return e.Err }

func (e *KillError) reason() string {
	switch {
	case errors.Is(e.Err, process.ErrorProcessNotRunning), errors.Is(e.Err, syscall.ESRCH):
		return "no such process"
	case errors.Is(e.Err, syscall.EPERM):
		return "operation not permitted"
	case e.Err == nil:
		return "unknown error"
	}
	return e.Err.Error()
}

// Suggestion 为常见失败原因给出提示，没有合适提示时返回空串。
func Suggestion(err error) string {
	var kerr *KillError
	if !errors.As(err, &kerr) {
		return ""
	}
	reason := strings.ToLower(kerr.reason())
	switch {
	case strings.Contains(reason, "operation not permitted"):
		return "You may not have permission to terminate this process."
	case strings.Contains(reason, "no such process"):
		return "The process may have already terminated."
	}
	return ""
}

type signalFunc func(ctx context.Context, pid int32, sig syscall.Signal) error

// Killer 向监听进程发送终止信号。
type Killer struct {
	log    *logrus.Entry
	signal signalFunc
}

// New 创建通过 gopsutil 投递信号的 Killer。
func New(log *logrus.Entry) *Killer {
	if log == nil {
		log = logger.Discard()
	}
	return &Killer{log: log, signal: sendSignal}
}

// Send 向 pid 发送 sig。pid <= 0 直接拒绝。
func (k *Killer) Send(ctx context.Context, pid int, sig models.Signal) error {
	if pid <= 0 {
		return ErrNoProcessAttribution
	}
	if err := k.signal(ctx, int32(pid), syscall.Signal(sig)); err != nil {
		kerr := &KillError{PID: pid, Signal: sig, Err: err}
		k.log.WithFields(logrus.Fields{"pid": pid, "signal": sig.Name()}).WithError(err).Warn("signal delivery failed")
		return kerr
	}
	k.log.WithFields(logrus.Fields{"pid": pid, "signal": sig.Name()}).Info("signal sent")
	return nil
}

// Terminate 对一条监听记录发送信号。
func (k *Killer) Terminate(ctx context.Context, rec models.ListenerRecord, sig models.Signal) error {
	if !rec.CanTerminate() {
		return ErrNoProcessAttribution
	}
	return k.Send(ctx, rec.PID, sig)
}

func sendSignal(ctx context.Context, pid int32, sig syscall.Signal) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.SendSignalWithContext(ctx, sig)
}
