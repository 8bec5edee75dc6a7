package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportedPorts(t *testing.T) {
	for name, tc := range map[string]struct {
		open  map[int]struct{}
		ports []int
		want  []int
	}{
		"nothing open": {
			open:  map[int]struct{}{},
			ports: []int{3000, 8080},
			want:  []int{},
		},
		"sorted subset": {
			open:  map[int]struct{}{8080: {}, 3000: {}},
			ports: []int{8080, 5432, 3000},
			want:  []int{3000, 8080},
		},
		"unwatched results ignored": {
			open:  map[int]struct{}{22: {}, 6379: {}},
			ports: []int{6379},
			want:  []int{6379},
		},
		"duplicate watched ports collapse": {
			open:  map[int]struct{}{5173: {}},
			ports: []int{5173, 5173},
			want:  []int{5173},
		},
	} {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, reportedPorts(tc.open, tc.ports))
		})
	}
}

func TestNaabuProberNoPorts(t *testing.T) {
	active, err := NewNaabuProber(0).ActivePorts(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestNewNaabuProberDefaults(t *testing.T) {
	assert.Equal(t, DefaultProbeTimeout, NewNaabuProber(0).Timeout)
	assert.Equal(t, time.Second, NewNaabuProber(time.Second).Timeout)
}
