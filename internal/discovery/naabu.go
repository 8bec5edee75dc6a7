package discovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/projectdiscovery/goflags"
	"github.com/projectdiscovery/naabu/v2/pkg/result"
	"github.com/projectdiscovery/naabu/v2/pkg/runner"

	"github.com/hitushen/portpeek/internal/watchlist"
)

// loopbackHosts 是 naabu 探测的本机地址，IPv4 优先。
var loopbackHosts = []string{"127.0.0.1", "::1"}

// NaabuProber 使用 naabu 的 connect 扫描批量确认本机端口是否在监听。
type NaabuProber struct {
	Timeout time.Duration
	Rate    int
}

// NewNaabuProber 创建 NaabuProber，timeout 为 0 时使用默认值。
func NewNaabuProber(timeout time.Duration) *NaabuProber {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &NaabuProber{Timeout: timeout, Rate: 1000}
}

func (n *NaabuProber) ActivePorts(ctx context.Context, ports []int) ([]int, error) {
	if len(ports) == 0 {
		return nil, nil
	}

	var mu sync.Mutex
	open := make(map[int]struct{}, len(ports))
	onResult := func(hr *result.HostResult) {
		if hr == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		for _, p := range hr.Ports {
			if p == nil {
				continue
			}
			open[p.Port] = struct{}{}
		}
	}

	opts := runner.Options{
		Host:     goflags.StringSlice(loopbackHosts),
		ScanType: "c",
		OnResult: onResult,
		JSON:     false,
		NoColor:  true,
		Verbose:  false,
		Stdin:    false,
		Stream:   true,
		Ports:    watchlist.Format(ports),
		Retries:  1,
		Rate:     n.Rate,
		Timeout:  n.Timeout,
	}

	r, err := runner.NewRunner(&opts)
	if err != nil {
		return nil, fmt.Errorf("naabu runner init: %w", err)
	}
	defer r.Close()

	if err := r.RunEnumeration(ctx); err != nil {
		return nil, fmt.Errorf("naabu enumeration: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	return reportedPorts(open, ports), nil
}

// reportedPorts 返回 ports 中被扫描器报告为开放的端口，升序且不重复。
func reportedPorts(open map[int]struct{}, ports []int) []int {
	active := make([]int, 0, len(open))
	seen := make(map[int]struct{}, len(ports))
	for _, p := range ports {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		if _, ok := open[p]; ok {
			active = append(active, p)
		}
	}
	sort.Ints(active)
	return active
}
