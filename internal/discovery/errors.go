package discovery

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrToolNotFound 表示固定路径与 PATH 查找都没有找到 lsof。
	ErrToolNotFound = errors.New("lsof command not found")
	// ErrInvocationTimeout 表示单次 lsof 调用超过了配置的时限。
	ErrInvocationTimeout = errors.New("lsof invocation timed out")
)

// InvocationError 描述一次未被归类为 no-match 或权限受限的非零退出。
type InvocationError struct {
	ExitCode   int
	Diagnostic string
}

func (e *InvocationError) Error() string {
	diag := strings.TrimSpace(e.Diagnostic)
	if diag == "" {
		return fmt.Sprintf("lsof command failed with exit code %d", e.ExitCode)
	}
	return fmt.Sprintf("lsof failed (exit %d): %s", e.ExitCode, diag)
}

// IsFatal 报告错误是否必须中止整个发现过程。
// 找不到工具时后续任何基于 lsof 的阶段都不可能成功。
func IsFatal(err error) bool {
	return errors.Is(err, ErrToolNotFound)
}
