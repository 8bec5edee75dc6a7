// Package report 将扫描结果渲染为纯文本状态视图。
package report

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/samber/lo"

	"github.com/hitushen/portpeek/internal/models"
)

const separator = "----"

// Options 控制渲染内容。
type Options struct {
	Watched      []int
	ShowInactive bool
	Now          time.Time
}

// Render 将 res 写入 w。
func Render(w io.Writer, res models.ScanResult, opts Options) error {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	var b bytes.Buffer
	b.WriteString("PortPeek\n")
	if res.OK() {
		fmt.Fprintf(&b, "Updated %s\n", res.RelativeTime(now))
	} else {
		b.WriteString("Scan failed\n")
	}
	b.WriteString(separator + "\n")

	active := Active(res.Listeners)
	switch {
	case len(active) > 0:
		for _, l := range active {
			fmt.Fprintf(&b, "%d  %s\n", l.Port, l.ProcessName)
			fmt.Fprintf(&b, "    PID %s • %s • %s\n", l.PIDLabel(), l.User, l.Protocol)
		}
	case !res.OK():
		b.WriteString("Port scanning unavailable\n")
		fmt.Fprintf(&b, "    %s\n", res.Error)
	default:
		b.WriteString("No active ports\n")
	}

	if opts.ShowInactive {
		inactive := res.InactivePorts(opts.Watched)
		if len(inactive) > 0 {
			sort.Ints(inactive)
			b.WriteString(separator + "\n")
			b.WriteString("Inactive Ports\n")
			for _, port := range inactive {
				b.WriteString(strconv.Itoa(port) + " (inactive)\n")
			}
		}
	}

	_, err := w.Write(b.Bytes())
	return err
}

// String 返回渲染后的文本。
func String(res models.ScanResult, opts Options) string {
	var b bytes.Buffer
	_ = Render(&b, res, opts)
	return b.String()
}

// Active 按 (port, pid, name) 去重并按端口升序返回监听记录。
func Active(listeners []models.ListenerRecord) []models.ListenerRecord {
	unique := lo.UniqBy(listeners, func(l models.ListenerRecord) string {
		return fmt.Sprintf("%d-%d-%s", l.Port, l.PID, l.ProcessName)
	})
	sort.SliceStable(unique, func(i, j int) bool { return unique[i].Port < unique[j].Port })
	return unique
}
