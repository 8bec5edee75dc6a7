package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// lsof 的常见安装位置，按顺序尝试。
var lsofCandidates = []string{"/usr/sbin/lsof", "/usr/bin/lsof"}

const (
	envLauncher = "/usr/bin/env"
	// launcherPath 是通过 env 查找 lsof 时使用的显式 PATH。
	launcherPath = "/usr/sbin:/usr/bin:/bin:/usr/local/bin:/opt/homebrew/bin"
)

// Invocation 保存一次外部工具调用的完整输出与退出码。
type Invocation struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Inspector 执行一次 lsof 查询并同步返回结果。
type Inspector interface {
	Run(ctx context.Context, args []string) (Invocation, error)
}

// Query 描述一次 lsof 查询的范围与输出模式。
type Query struct {
	// Port 为 0 时查询全部 TCP 监听者。
	Port int
	// User 非空时只查询该用户的进程。
	User string
	// NameOnly 只请求套接字名称字段。
	NameOnly bool
}

// Args 生成对应的 lsof 参数列表。
func (q Query) Args() []string {
	inet := "-iTCP"
	if q.Port > 0 {
		inet += ":" + strconv.Itoa(q.Port)
	}
	args := []string{"-nP", inet, "-sTCP:LISTEN", "-w"}
	if q.User != "" {
		args = append(args, "-a", "-u", q.User)
	}
	if q.NameOnly {
		return append(args, "-Fn")
	}
	return append(args, "-FpcLuPn")
}

// LsofInspector 通过本机 lsof 可执行文件完成查询。
type LsofInspector struct {
	// Timeout 限制单次调用时长，0 表示不限制。
	Timeout time.Duration

	candidates []string
	launcher   string
}

// NewLsofInspector 创建使用默认查找路径的 LsofInspector。
func NewLsofInspector(timeout time.Duration) *LsofInspector {
	return &LsofInspector{
		Timeout:    timeout,
		candidates: lsofCandidates,
		launcher:   envLauncher,
	}
}

// Run 先尝试固定路径，再退回到 /usr/bin/env lsof。
func (l *LsofInspector) Run(ctx context.Context, args []string) (Invocation, error) {
	var firstErr error
	if path := firstExisting(l.candidates); path != "" {
		inv, err := l.exec(ctx, path, args, nil)
		if err == nil || errors.Is(err, ErrInvocationTimeout) {
			return inv, err
		}
		firstErr = err
	} else {
		firstErr = ErrToolNotFound
	}

	if l.launcher == "" || firstExisting([]string{l.launcher}) == "" {
		return Invocation{}, firstErr
	}
	env := []string{"PATH=" + launcherPath}
	inv, err := l.exec(ctx, l.launcher, append([]string{"lsof"}, args...), env)
	if err != nil {
		if errors.Is(err, ErrInvocationTimeout) {
			return inv, err
		}
		return Invocation{}, firstErr
	}
	// env 找不到目标程序时以 127 退出。
	if inv.ExitCode == 127 && inv.Stdout == "" {
		return Invocation{}, ErrToolNotFound
	}
	return inv, nil
}

func (l *LsofInspector) exec(ctx context.Context, path string, args, env []string) (Invocation, error) {
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.WaitDelay = time.Second
	if env != nil {
		cmd.Env = env
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	inv := Invocation{Stdout: stdout.String(), Stderr: stderr.String()}
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return inv, fmt.Errorf("%w after %s", ErrInvocationTimeout, l.Timeout)
		}
		return inv, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			inv.ExitCode = exitErr.ExitCode()
			return inv, nil
		}
		return inv, fmt.Errorf("run %s: %w", path, err)
	}
	return inv, nil
}

func firstExisting(paths []string) string {
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}
