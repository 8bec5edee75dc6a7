package watchlist

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/hitushen/portpeek/internal/models"
)

const (
	minPort = 1
	maxPort = 65535
)

// ErrEmpty 表示输入中没有任何端口。
var ErrEmpty = errors.New("please enter at least one port to watch")

// InvalidPortError 描述一个无法接受的端口输入。
type InvalidPortError struct {
	Input string
}

func (e *InvalidPortError) Error() string {
	return fmt.Sprintf("invalid port number: %s (ports must be between %d and %d)", e.Input, minPort, maxPort)
}

// Parse 将用户输入（逗号、空白或换行分隔）解析为端口列表。
// 重复端口只保留第一次出现的位置。
func Parse(input string) ([]int, error) {
	tokens := strings.FieldsFunc(input, func(r rune) bool {
		switch r {
		case ',', '\n', '\r', '\t', ' ':
			return true
		}
		return false
	})

	ports := make([]int, 0, len(tokens))
	for _, tok := range tokens {
		port, err := strconv.Atoi(tok)
		if err != nil || !Valid(port) {
			return nil, &InvalidPortError{Input: tok}
		}
		ports = append(ports, port)
	}
	ports = lo.Uniq(ports)
	if len(ports) == 0 {
		return nil, ErrEmpty
	}
	return ports, nil
}

// Validate 校验已经是整数形式的端口列表，返回去重后的结果。
func Validate(ports []int) ([]int, error) {
	for _, p := range ports {
		if !Valid(p) {
			return nil, &InvalidPortError{Input: strconv.Itoa(p)}
		}
	}
	ports = lo.Uniq(ports)
	if len(ports) == 0 {
		return nil, ErrEmpty
	}
	return ports, nil
}

// Valid 报告端口是否位于 1-65535。
func Valid(port int) bool {
	return port >= minPort && port <= maxPort
}

// Normalize 丢弃非法端口并返回去重、升序的副本。
func Normalize(ports []int) []int {
	out := lo.Uniq(lo.Filter(ports, func(p int, _ int) bool { return Valid(p) }))
	sort.Ints(out)
	return out
}

// Format 将端口列表格式化为逗号分隔的文本。
func Format(ports []int) string {
	return strings.Join(lo.Map(ports, func(p int, _ int) string { return strconv.Itoa(p) }), ",")
}

// ErrIntervalTooShort 表示刷新间隔低于允许的下限。
var ErrIntervalTooShort = fmt.Errorf("refresh interval must be at least %s", models.MinRefreshInterval)

// ValidatePreferences 校验并规范化一份偏好设置。
func ValidatePreferences(p models.Preferences) (models.Preferences, error) {
	ports, err := Validate(p.WatchedPorts)
	if err != nil {
		return models.Preferences{}, err
	}
	if p.RefreshInterval < models.MinRefreshInterval {
		return models.Preferences{}, ErrIntervalTooShort
	}
	p.WatchedPorts = ports
	return p, nil
}

// IsValidationError 报告 err 是否来自输入校验。
func IsValidationError(err error) bool {
	var invalid *InvalidPortError
	return errors.As(err, &invalid) || errors.Is(err, ErrEmpty) || errors.Is(err, ErrIntervalTooShort)
}
