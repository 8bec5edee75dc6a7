package discovery

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitushen/portpeek/internal/models"
)

type fakeReply struct {
	inv Invocation
	err error
}

// fakeInspector 按参数串返回预置结果，未配置的查询视为 no-match。
type fakeInspector struct {
	mu      sync.Mutex
	replies map[string]fakeReply
	calls   []string
}

func newFakeInspector() *fakeInspector {
	return &fakeInspector{replies: map[string]fakeReply{}}
}

func (f *fakeInspector) on(q Query, inv Invocation) *fakeInspector {
	f.replies[strings.Join(q.Args(), " ")] = fakeReply{inv: inv}
	return f
}

func (f *fakeInspector) fail(q Query, err error) *fakeInspector {
	f.replies[strings.Join(q.Args(), " ")] = fakeReply{err: err}
	return f
}

func (f *fakeInspector) Run(_ context.Context, args []string) (Invocation, error) {
	key := strings.Join(args, " ")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key)
	reply, ok := f.replies[key]
	if !ok {
		return Invocation{ExitCode: 1}, nil
	}
	return reply.inv, reply.err
}

func (f *fakeInspector) called(q Query) bool {
	key := strings.Join(q.Args(), " ")
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == key {
			return true
		}
	}
	return false
}

func (f *fakeInspector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeProber struct {
	active []int
	err    error
	calls  int
}

func (p *fakeProber) ActivePorts(_ context.Context, ports []int) ([]int, error) {
	p.calls++
	var out []int
	for _, port := range ports {
		for _, a := range p.active {
			if a == port {
				out = append(out, port)
			}
		}
	}
	return out, p.err
}

func listenerPorts(result models.ScanResult) []int {
	ports := make([]int, 0, len(result.Listeners))
	for _, r := range result.Listeners {
		ports = append(ports, r.Port)
	}
	return ports
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(inspector Inspector, prober Prober, failFast bool) *Engine {
	return New(Options{
		Inspector: inspector,
		Prober:    prober,
		FailFast:  failFast,
		Now:       func() time.Time { return fixedNow },
	})
}

func TestDiscoverBroadFiltersToWatched(t *testing.T) {
	inspector := newFakeInspector().on(Query{}, Invocation{
		Stdout: "p111\ncnode\nLmike\nn*:3000\np1\ncsshd\nLroot\nn*:22\n",
	})
	prober := &fakeProber{}

	result := newTestEngine(inspector, prober, false).Discover(context.Background(), []int{3000, 8080})
	require.True(t, result.OK())
	assert.Equal(t, fixedNow, result.ScannedAt)
	require.Len(t, result.Listeners, 1)
	assert.Equal(t, models.ListenerRecord{Port: 3000, ProcessName: "node", PID: 111, User: "mike", Protocol: "TCP"}, result.Listeners[0])
	assert.Equal(t, 1, inspector.callCount())
	assert.Zero(t, prober.calls)
}

func TestDiscoverBroadNoMatchShortCircuits(t *testing.T) {
	inspector := newFakeInspector().on(Query{}, Invocation{ExitCode: 1})
	prober := &fakeProber{active: []int{3000}}

	result := newTestEngine(inspector, prober, false).Discover(context.Background(), []int{3000})
	assert.True(t, result.OK())
	assert.Empty(t, result.Listeners)
	assert.Equal(t, 1, inspector.callCount())
	assert.Zero(t, prober.calls)
}

func TestDiscoverEmptyWatchedSet(t *testing.T) {
	for name, tc := range map[string]struct {
		broad   Invocation
		wantErr string
	}{
		"success without rows": {broad: Invocation{}},
		"permission denied":    {broad: Invocation{ExitCode: 1, Stderr: "lsof: Permission denied"}},
		"hard failure":         {broad: Invocation{ExitCode: 2, Stderr: "lsof: illegal option\n"}, wantErr: "lsof failed (exit 2): lsof: illegal option"},
		"silent failure":       {broad: Invocation{ExitCode: 3}, wantErr: "lsof command failed with exit code 3"},
	} {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			inspector := newFakeInspector().on(Query{}, tc.broad)
			result := newTestEngine(inspector, &fakeProber{}, false).Discover(context.Background(), nil)
			assert.Empty(t, result.Listeners)
			assert.NotNil(t, result.Listeners)
			assert.Equal(t, tc.wantErr, result.Error)
		})
	}
}

func TestDiscoverPerPortStopsChain(t *testing.T) {
	inspector := newFakeInspector().
		on(Query{}, Invocation{ExitCode: 1, Stderr: "lsof: Permission denied"}).
		on(Query{Port: 3000}, Invocation{Stdout: "p111\ncnode\nLmike\nn*:3000\nn[::]:3000\n"})
	prober := &fakeProber{active: []int{3000, 8080}}

	result := newTestEngine(inspector, prober, false).Discover(context.Background(), []int{8080, 3000})
	require.True(t, result.OK())
	require.Len(t, result.Listeners, 1)
	assert.Equal(t, 111, result.Listeners[0].PID)
	assert.Equal(t, "node", result.Listeners[0].ProcessName)

	assert.True(t, inspector.called(Query{Port: 8080}))
	assert.False(t, inspector.called(Query{Port: 3000, NameOnly: true}))
	assert.Zero(t, prober.calls)
}

func TestDiscoverPerPortQueriesSortedUnique(t *testing.T) {
	inspector := newFakeInspector().on(Query{}, Invocation{ExitCode: 2})

	newTestEngine(inspector, &fakeProber{}, false).Discover(context.Background(), []int{8080, 3000, 8080})

	var perPort []string
	for _, c := range inspector.calls {
		if strings.Contains(c, "-FpcLuPn") && strings.Contains(c, "-iTCP:") {
			perPort = append(perPort, c)
		}
	}
	assert.Equal(t, []string{
		strings.Join(Query{Port: 3000}.Args(), " "),
		strings.Join(Query{Port: 8080}.Args(), " "),
	}, perPort)
}

func TestDiscoverNameOnlyStage(t *testing.T) {
	inspector := newFakeInspector().
		on(Query{}, Invocation{ExitCode: 2}).
		on(Query{Port: 5173, NameOnly: true}, Invocation{Stdout: "n127.0.0.1:5173\nn[::1]:5173\n"}).
		on(Query{Port: 3000, NameOnly: true}, Invocation{ExitCode: 1, Stdout: "n*:3000\n", Stderr: "Permission denied"})
	prober := &fakeProber{active: []int{5173}}

	result := newTestEngine(inspector, prober, false).Discover(context.Background(), []int{5173, 3000})
	require.True(t, result.OK())
	require.Len(t, result.Listeners, 2)
	assert.Equal(t, []int{3000, 5173}, listenerPorts(result))
	for _, r := range result.Listeners {
		assert.Equal(t, models.NoPID, r.PID)
		assert.Equal(t, models.UnknownValue, r.ProcessName)
		assert.Equal(t, models.UnknownValue, r.User)
		assert.False(t, r.CanTerminate())
	}
	assert.Zero(t, prober.calls)
}

func TestDiscoverConnectProbe(t *testing.T) {
	inspector := newFakeInspector().on(Query{}, Invocation{Stderr: "lsof: WARNING"})
	prober := &fakeProber{active: []int{5432}}

	result := newTestEngine(inspector, prober, false).Discover(context.Background(), []int{3000, 5432})
	require.True(t, result.OK())
	require.Len(t, result.Listeners, 1)
	assert.Equal(t, models.ListenerRecord{
		Port:        5432,
		ProcessName: models.LocalhostTag,
		PID:         models.NoPID,
		User:        models.UnknownValue,
		Protocol:    models.ProtocolTCP,
	}, result.Listeners[0])
	assert.Equal(t, 1, prober.calls)
}

func TestDiscoverProbeErrorIsSwallowed(t *testing.T) {
	inspector := newFakeInspector().on(Query{}, Invocation{})
	prober := &fakeProber{err: context.Canceled}

	result := newTestEngine(inspector, prober, false).Discover(context.Background(), []int{3000})
	assert.True(t, result.OK())
	assert.Empty(t, result.Listeners)
}

func TestDiscoverProbeErrorKeepsConfirmedPorts(t *testing.T) {
	inspector := newFakeInspector().on(Query{}, Invocation{})
	prober := &fakeProber{active: []int{5432}, err: context.DeadlineExceeded}

	result := newTestEngine(inspector, prober, false).Discover(context.Background(), []int{5432, 6379})
	require.True(t, result.OK())
	assert.Equal(t, []int{5432}, listenerPorts(result))
	assert.Equal(t, models.LocalhostTag, result.Listeners[0].ProcessName)
}

func TestDiscoverResilientSkipsFailedPort(t *testing.T) {
	inspector := newFakeInspector().
		on(Query{}, Invocation{ExitCode: 2}).
		on(Query{Port: 3000}, Invocation{ExitCode: 2, Stderr: "boom"}).
		on(Query{Port: 8080}, Invocation{Stdout: "p9\ncjava\nLmike\nn*:8080\n"})

	result := newTestEngine(inspector, &fakeProber{}, false).Discover(context.Background(), []int{3000, 8080})
	require.True(t, result.OK())
	require.Len(t, result.Listeners, 1)
	assert.Equal(t, 8080, result.Listeners[0].Port)
}

func TestDiscoverFailFastAborts(t *testing.T) {
	inspector := newFakeInspector().
		on(Query{}, Invocation{ExitCode: 2}).
		on(Query{Port: 3000}, Invocation{ExitCode: 2, Stderr: "boom"}).
		on(Query{Port: 8080}, Invocation{Stdout: "p9\ncjava\nLmike\nn*:8080\n"})
	prober := &fakeProber{active: []int{8080}}

	result := newTestEngine(inspector, prober, true).Discover(context.Background(), []int{3000, 8080})
	assert.Equal(t, "lsof failed (exit 2): boom", result.Error)
	assert.Empty(t, result.Listeners)
	assert.False(t, inspector.called(Query{Port: 8080}))
	assert.Zero(t, prober.calls)
}

func TestDiscoverSurfacesAggregatedFailures(t *testing.T) {
	inspector := newFakeInspector().
		on(Query{}, Invocation{ExitCode: 2}).
		on(Query{Port: 3000, NameOnly: true}, Invocation{ExitCode: 2, Stderr: "boom"}).
		on(Query{Port: 8080, NameOnly: true}, Invocation{ExitCode: 4})

	result := newTestEngine(inspector, &fakeProber{}, false).Discover(context.Background(), []int{3000, 8080})
	assert.False(t, result.OK())
	assert.Equal(t, "port 3000: lsof failed (exit 2): boom; port 8080: lsof command failed with exit code 4", result.Error)
}

func TestDiscoverToolNotFound(t *testing.T) {
	inspector := newFakeInspector().fail(Query{}, ErrToolNotFound)
	prober := &fakeProber{active: []int{3000}}

	result := newTestEngine(inspector, prober, false).Discover(context.Background(), []int{3000})
	assert.Equal(t, "lsof command not found", result.Error)
	assert.Empty(t, result.Listeners)
	assert.Zero(t, prober.calls)
}

func TestDiscoverBroadTimeoutRunsFallbacks(t *testing.T) {
	inspector := newFakeInspector().
		fail(Query{}, ErrInvocationTimeout).
		fail(Query{Port: 3000}, ErrInvocationTimeout).
		on(Query{Port: 8080}, Invocation{Stdout: "p9\ncjava\nLmike\nn*:8080\n"})

	result := newTestEngine(inspector, &fakeProber{}, false).Discover(context.Background(), []int{3000, 8080})
	require.True(t, result.OK())
	assert.Equal(t, []int{8080}, listenerPorts(result))
}

func TestDiscoverUserFilter(t *testing.T) {
	inspector := newFakeInspector().on(Query{User: "mike"}, Invocation{Stdout: "p1\ncnode\nLmike\nn*:3000\n"})
	engine := New(Options{Inspector: inspector, Prober: &fakeProber{}, User: "mike"})

	result := engine.Discover(context.Background(), []int{3000})
	require.Len(t, result.Listeners, 1)
	require.NotEmpty(t, inspector.calls)
	assert.Contains(t, inspector.calls[0], "-a -u mike")
}
