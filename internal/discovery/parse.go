package discovery

import (
	"strconv"
	"strings"

	"github.com/hitushen/portpeek/internal/models"
)

// ParseOutput 优先按 -F 字段模式解析，没有结果时退回到列模式。
// 带有列标题的输出直接按列模式解析，否则以 p/c/n 开头的命令名会被误当作字段行。
func ParseOutput(output string) []models.ListenerRecord {
	if hasColumnHeader(output) {
		return ParseColumnOutput(output)
	}
	if records := ParseFieldOutput(output); len(records) > 0 {
		return records
	}
	return ParseColumnOutput(output)
}

// ParseFieldOutput 解析 -FpcLuPn 输出：
//
//	p<pid>
//	c<command>
//	L<login> / u<uid>
//	n<address>
//
// 每个 p 行开始一个新的进程块，每个 n 行产出一条记录。
func ParseFieldOutput(output string) []models.ListenerRecord {
	var (
		records []models.ListenerRecord
		pid     = models.NoPID
		command string
		user    string
		login   bool
	)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		value := line[1:]
		switch line[0] {
		case 'p':
			pid = models.NoPID
			if n, err := strconv.Atoi(value); err == nil {
				pid = n
			}
			command, user, login = "", "", false
		case 'c':
			command = value
		case 'L':
			user, login = value, true
		case 'u':
			if !login {
				user = value
			}
		case 'n':
			port, ok := ExtractPort(value)
			if !ok {
				continue
			}
			records = append(records, models.ListenerRecord{
				Port:        port,
				ProcessName: orUnknown(command),
				PID:         pid,
				User:        orUnknown(user),
				Protocol:    models.ProtocolTCP,
			})
		}
	}
	return records
}

func hasColumnHeader(output string) bool {
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		return fields[0] == "COMMAND" && len(fields) >= 3 && fields[1] == "PID"
	}
	return false
}

// ParseColumnOutput 解析传统表格输出：
// COMMAND PID USER FD TYPE DEVICE SIZE/OFF NODE NAME
func ParseColumnOutput(output string) []models.ListenerRecord {
	var records []models.ListenerRecord
	for _, line := range strings.Split(output, "\n") {
		if line == "" || strings.HasPrefix(line, "COMMAND") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 9 {
			continue
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		port, ok := ExtractPort(strings.Join(fields[8:], " "))
		if !ok {
			continue
		}
		records = append(records, models.ListenerRecord{
			Port:        port,
			ProcessName: fields[0],
			PID:         pid,
			User:        fields[2],
			Protocol:    models.ProtocolTCP,
		})
	}
	return records
}

// ParseNames 只读取 -Fn 输出中的 n 行，返回出现过的端口（可能重复）。
func ParseNames(output string) []int {
	var ports []int
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, "n") {
			continue
		}
		if port, ok := ExtractPort(line[1:]); ok {
			ports = append(ports, port)
		}
	}
	return ports
}

// ExtractPort 取最后一个冒号之后的连续数字作为端口，
// 可以正确处理 *:8080、127.0.0.1:3000、[::1]:5432 以及 "(LISTEN)" 等后缀。
func ExtractPort(name string) (int, bool) {
	idx := strings.LastIndex(name, ":")
	if idx == -1 {
		return 0, false
	}
	rest := name[idx+1:]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	port, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0, false
	}
	return port, true
}

// Dedupe 按 (port, pid) 去重，保留首次出现并保持原有顺序。
func Dedupe(records []models.ListenerRecord) []models.ListenerRecord {
	type key struct{ port, pid int }
	seen := make(map[key]struct{}, len(records))
	out := make([]models.ListenerRecord, 0, len(records))
	for _, r := range records {
		k := key{r.Port, r.PID}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out
}

// FilterWatched 只保留端口在关注集合中的记录。
func FilterWatched(records []models.ListenerRecord, watched []int) []models.ListenerRecord {
	set := make(map[int]struct{}, len(watched))
	for _, p := range watched {
		set[p] = struct{}{}
	}
	out := make([]models.ListenerRecord, 0, len(records))
	for _, r := range records {
		if _, ok := set[r.Port]; ok {
			out = append(out, r)
		}
	}
	return out
}

func orUnknown(v string) string {
	if v == "" {
		return models.UnknownValue
	}
	return v
}
