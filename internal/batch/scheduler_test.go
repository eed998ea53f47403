package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	batches map[string][][]string
}

func newRecorder() *recorder {
	return &recorder{batches: make(map[string][][]string)}
}

func (r *recorder) send(connID string, updates []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := append([]string(nil), updates...)
	r.batches[connID] = append(r.batches[connID], cp)
	return nil
}

func (r *recorder) get(connID string) [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[connID]
}

func testConfig() Config {
	return Config{
		MaxQueueSize:       4,
		MaxBatchSize:       10,
		MaxBatchDelay:      100 * time.Millisecond,
		MinBatchDelay:      10 * time.Millisecond,
		LightLoadThreshold: 1,
		Policy:             DropNewest,
		TickInterval:       time.Millisecond,
	}
}

func TestNewValidatesConfig(t *testing.T) {
	rec := newRecorder()
	_, err := New(Config{}, rec.send, nil)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Policy = 0
	_, err = New(cfg, rec.send, nil)
	assert.Error(t, err)

	_, err = New[string](testConfig(), nil, nil)
	assert.Error(t, err)
}

func TestFlushOnBatchSize(t *testing.T) {
	rec := newRecorder()
	cfg := testConfig()
	cfg.MaxBatchSize = 3
	s, err := New(cfg, rec.send, nil)
	require.NoError(t, err)

	s.Register("c1")
	assert.True(t, s.AddUpdate("c1", "a", 0))
	assert.True(t, s.AddUpdate("c1", "b", 0))
	assert.Empty(t, rec.get("c1"))
	assert.True(t, s.AddUpdate("c1", "c", 0))

	assert.Equal(t, [][]string{{"a", "b", "c"}}, rec.get("c1"))
	assert.Equal(t, 0, s.Len("c1"))
}

func TestOverflowPolicies(t *testing.T) {
	testCases := []struct {
		policy OverflowPolicy
		adds   []struct {
			item     string
			priority int
			kept     bool
		}
		want []string
	}{
		{
			policy: DropNewest,
			adds: []struct {
				item     string
				priority int
				kept     bool
			}{{"a", 0, true}, {"b", 0, true}, {"c", 0, false}},
			want: []string{"a", "b"},
		},
		{
			policy: DropOldest,
			adds: []struct {
				item     string
				priority int
				kept     bool
			}{{"a", 0, true}, {"b", 0, true}, {"c", 0, true}},
			want: []string{"b", "c"},
		},
		{
			policy: DropLowestPriority,
			adds: []struct {
				item     string
				priority int
				kept     bool
			}{{"a", 1, true}, {"b", 0, true}, {"c", 0, true}, {"d", -1, false}},
			want: []string{"a", "c"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.policy.String(), func(t *testing.T) {
			rec := newRecorder()
			cfg := testConfig()
			cfg.MaxQueueSize = 2
			cfg.Policy = tc.policy
			s, err := New(cfg, rec.send, nil)
			require.NoError(t, err)

			var dropped []string
			s.SetDropHandler(func(_ string, d string) { dropped = append(dropped, d) })

			s.Register("c1")
			for _, add := range tc.adds {
				assert.Equal(t, add.kept, s.AddUpdate("c1", add.item, add.priority), add.item)
			}
			s.ForceFlush("c1")

			require.Len(t, rec.get("c1"), 1)
			assert.Equal(t, tc.want, rec.get("c1")[0])
			assert.Equal(t, uint64(len(tc.adds)-2), s.Stats().Overflows)
			assert.Len(t, dropped, len(tc.adds)-2)
		})
	}
}

func TestFlushByAge(t *testing.T) {
	rec := newRecorder()
	s, err := New(testConfig(), rec.send, nil)
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	s.Register("light")
	s.Register("busy")
	s.AddUpdate("light", "l1", 0)
	s.AddUpdate("busy", "b1", 0)
	s.AddUpdate("busy", "b2", 0)

	now = now.Add(10 * time.Millisecond)
	s.flushDue()
	assert.Equal(t, [][]string{{"l1"}}, rec.get("light"))
	assert.Empty(t, rec.get("busy"))

	now = now.Add(90 * time.Millisecond)
	s.flushDue()
	assert.Equal(t, [][]string{{"b1", "b2"}}, rec.get("busy"))
}

func TestSendFailureIsIsolated(t *testing.T) {
	rec := newRecorder()
	send := func(connID string, updates []string) error {
		switch connID {
		case "panic":
			panic("boom")
		case "fail":
			return errors.New("closed")
		}
		return rec.send(connID, updates)
	}
	s, err := New(testConfig(), send, nil)
	require.NoError(t, err)

	for _, id := range []string{"panic", "fail", "ok"} {
		s.Register(id)
		s.AddUpdate(id, "x", 0)
	}
	assert.NotPanics(t, s.ForceFlushAll)

	assert.Equal(t, [][]string{{"x"}}, rec.get("ok"))
	st := s.Stats()
	assert.Equal(t, uint64(2), st.SendErrors)
	assert.Equal(t, uint64(1), st.Sent)

	s.AddUpdate("ok", "y", 0)
	s.ForceFlush("ok")
	assert.Equal(t, [][]string{{"x"}, {"y"}}, rec.get("ok"))
}

func TestUnregisterDiscardsQueue(t *testing.T) {
	rec := newRecorder()
	s, err := New(testConfig(), rec.send, nil)
	require.NoError(t, err)

	assert.False(t, s.AddUpdate("ghost", "x", 0))

	s.Register("c1")
	s.AddUpdate("c1", "x", 0)
	s.Unregister("c1")
	assert.False(t, s.Registered("c1"))
	assert.False(t, s.AddUpdate("c1", "y", 0))
	s.ForceFlushAll()
	assert.Empty(t, rec.get("c1"))
	assert.Equal(t, 0, s.Stats().Queues)
}

func TestRunFlushesOnShutdown(t *testing.T) {
	rec := newRecorder()
	cfg := testConfig()
	cfg.MaxBatchDelay = time.Hour
	cfg.MinBatchDelay = 0
	s, err := New(cfg, rec.send, nil)
	require.NoError(t, err)

	s.Register("c1")
	s.AddUpdate("c1", "a", 0)
	s.AddUpdate("c1", "b", 0)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not return")
	}
	assert.Equal(t, [][]string{{"a", "b"}}, rec.get("c1"))
}

func TestStats(t *testing.T) {
	rec := newRecorder()
	cfg := testConfig()
	cfg.MaxQueueSize = 2
	s, err := New(cfg, rec.send, nil)
	require.NoError(t, err)

	s.Register("c1")
	s.AddUpdate("c1", "a", 0)
	s.AddUpdate("c1", "b", 0)
	s.AddUpdate("c1", "c", 0)
	s.ForceFlush("c1")

	st := s.Stats()
	assert.Equal(t, uint64(3), st.Received)
	assert.Equal(t, uint64(2), st.Batched)
	assert.Equal(t, uint64(2), st.Sent)
	assert.Equal(t, uint64(1), st.Batches)
	assert.Equal(t, 2.0, st.AvgBatchSize)
	assert.InDelta(t, 2.0/3.0, st.Efficiency, 1e-9)
}

func TestParseOverflowPolicy(t *testing.T) {
	p, ok := ParseOverflowPolicy("drop_lowest_priority")
	assert.True(t, ok)
	assert.Equal(t, DropLowestPriority, p)
	_, ok = ParseOverflowPolicy("block")
	assert.False(t, ok)
}
