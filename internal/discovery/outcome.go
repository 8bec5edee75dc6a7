package discovery

import "strings"

// OutcomeKind 是一次 lsof 调用退出状态的分类。
type OutcomeKind int

const (
	// OutcomeSuccess 退出码为 0。
	OutcomeSuccess OutcomeKind = iota
	// OutcomePermissionPartial 非零退出但诊断信息表明只是部分进程无权访问。
	OutcomePermissionPartial
	// OutcomeNoMatch 退出码为 1 且没有任何输出：查询合法但没有监听者。
	OutcomeNoMatch
	// OutcomeFailed 其他非零退出。
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomePermissionPartial:
		return "permission-partial"
	case OutcomeNoMatch:
		return "no-match"
	default:
		return "failed"
	}
}

// Outcome 记录分类结果以及生成错误所需的上下文。
type Outcome struct {
	Kind       OutcomeKind
	ExitCode   int
	Diagnostic string
}

// Err 在分类为失败时返回对应的 InvocationError。
func (o Outcome) Err() error {
	if o.Kind != OutcomeFailed {
		return nil
	}
	return &InvocationError{ExitCode: o.ExitCode, Diagnostic: strings.TrimSpace(o.Diagnostic)}
}

// Classify 按退出码与诊断文本对一次调用进行分类。
func Classify(inv Invocation) Outcome {
	out := Outcome{ExitCode: inv.ExitCode, Diagnostic: strings.TrimSpace(inv.Stderr)}
	switch {
	case inv.ExitCode == 0:
		out.Kind = OutcomeSuccess
	case isPermissionDiagnostic(inv.Stderr):
		out.Kind = OutcomePermissionPartial
	case inv.ExitCode == 1 && strings.TrimSpace(inv.Stdout) == "" && out.Diagnostic == "":
		out.Kind = OutcomeNoMatch
	default:
		out.Kind = OutcomeFailed
	}
	return out
}

func isPermissionDiagnostic(stderr string) bool {
	lowered := strings.ToLower(stderr)
	return strings.Contains(lowered, "operation not permitted") || strings.Contains(lowered, "permission denied")
}
