package registrar

import (
	"context"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/gtfsbatch/internal/combo"
	"github.com/roach88/gtfsbatch/internal/metrics"
	"github.com/roach88/gtfsbatch/internal/store"
	"github.com/roach88/gtfsbatch/internal/testutil"
)

func TestRegister_NewCandidate(t *testing.T) {
	s, clk := testutil.NewStore(t)
	r := New(s, WithClock(clk))

	result, err := r.Register(context.Background(), []combo.Candidate{testutil.Candidate("60", "12", "v1")})
	require.NoError(t, err)

	assert.Equal(t, Counts{Registered: 1}, result.Counts)
	require.Len(t, result.Outcomes, 1)
	assert.Equal(t, Outcome{Key: "60_12_v1", Kind: OutcomeRegistered, Message: "created as pending"}, result.Outcomes[0])

	rec := testutil.MustGet(t, s, "60_12_v1")
	assert.Equal(t, combo.StatusPending, rec.Status)
	assert.Equal(t, int64(0), rec.Retries)
	assert.Equal(t, combo.NewTimestamp(testutil.Epoch), rec.RegisteredAt)
}

func TestRegister_Idempotent(t *testing.T) {
	s, clk := testutil.NewStore(t)
	r := New(s, WithClock(clk))
	ctx := context.Background()

	batch := []combo.Candidate{
		testutil.Candidate("60", "12", "v1"),
		testutil.Candidate("60", "12", "v2"),
		testutil.Candidate("61", "1", "v1"),
	}

	first, err := r.Register(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Counts.Registered)

	second, err := r.Register(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, Counts{Skipped: 3}, second.Counts)
	for _, out := range second.Outcomes {
		assert.Equal(t, OutcomeSkipped, out.Kind)
	}
	assert.False(t, second.Counts.Changed())
}

func TestRegister_ConcurrentSingleCreator(t *testing.T) {
	s, clk := testutil.NewStore(t)
	ctx := context.Background()

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []Result
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := New(s, WithClock(clk)).Register(ctx, []combo.Candidate{testutil.Candidate("60", "12", "v1")})
			assert.NoError(t, err)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	var total Counts
	for _, res := range results {
		total.Registered += res.Counts.Registered
		total.Skipped += res.Counts.Skipped
		total.Reset += res.Counts.Reset
		total.Errors += res.Counts.Errors
	}
	assert.Equal(t, Counts{Registered: 1, Skipped: callers - 1}, total)
}

func TestRegister_ResetsFailed(t *testing.T) {
	s, clk := testutil.NewStore(t)
	ctx := context.Background()

	testutil.Seed(t, s, combo.Record{
		Key: "60_12_v1", Operator: "60", Contract: "12", Version: "v1",
		Status: combo.StatusFailed, Retries: 2, Error: "macro: FAILED",
	})

	clk.Step(time.Hour)
	result, err := New(s, WithClock(clk)).Register(ctx, []combo.Candidate{testutil.Candidate("60", "12", "v1")})
	require.NoError(t, err)
	assert.Equal(t, Counts{Reset: 1}, result.Counts)

	rec := testutil.MustGet(t, s, "60_12_v1")
	assert.Equal(t, combo.StatusPending, rec.Status)
	assert.Equal(t, int64(3), rec.Retries)
	assert.Empty(t, rec.Error)
	assert.Equal(t, combo.NewTimestamp(testutil.Epoch.Add(time.Hour)), rec.ResetAt)
}

func TestRegister_ResetsUnknownStatus(t *testing.T) {
	s, clk := testutil.NewStore(t)

	testutil.Seed(t, s, combo.Record{Key: "60_12_v1", Operator: "60", Contract: "12", Version: "v1", Status: "bogus"})

	result, err := New(s, WithClock(clk)).Register(context.Background(), []combo.Candidate{testutil.Candidate("60", "12", "v1")})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Counts.Reset)

	rec := testutil.MustGet(t, s, "60_12_v1")
	assert.Equal(t, combo.StatusPending, rec.Status)
	assert.Equal(t, int64(1), rec.Retries)
}

func TestRegister_LeavesInFlightAndCompleted(t *testing.T) {
	s, clk := testutil.NewStore(t)

	for _, st := range []combo.Status{combo.StatusPending, combo.StatusProcessing, combo.StatusCompleted} {
		testutil.Seed(t, s, combo.Record{
			Key: "60_12_" + string(st), Operator: "60", Contract: "12", Version: string(st),
			Status: st, StartedAt: combo.NewTimestamp(testutil.Epoch),
		})
	}

	batch := []combo.Candidate{
		testutil.Candidate("60", "12", "pending"),
		testutil.Candidate("60", "12", "processing"),
		testutil.Candidate("60", "12", "completed"),
	}
	result, err := New(s, WithClock(clk)).Register(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, Counts{Skipped: 3}, result.Counts)
}

func TestRegister_ResetsPreprocessing(t *testing.T) {
	s, clk := testutil.NewStore(t)
	testutil.Seed(t, s, combo.Record{
		Key: "60_12_v1", Operator: "60", Contract: "12", Version: "v1",
		Status: combo.StatusPreprocessing, StartedAt: combo.NewTimestamp(testutil.Epoch),
	})
	clk.Step(time.Minute)

	result, err := New(s, WithClock(clk)).Register(context.Background(), []combo.Candidate{testutil.Candidate("60", "12", "v1")})
	require.NoError(t, err)

	assert.Equal(t, Counts{Reset: 1}, result.Counts)
	assert.Equal(t, Outcome{Key: "60_12_v1", Kind: OutcomeReset, Message: "reset from preprocessing"}, result.Outcomes[0])

	rec := testutil.MustGet(t, s, "60_12_v1")
	assert.Equal(t, combo.StatusPending, rec.Status)
	assert.Equal(t, int64(1), rec.Retries)
	assert.Equal(t, combo.NewTimestamp(testutil.Epoch.Add(time.Minute)), rec.ResetAt)
}

func TestRegister_SeparatorInFieldCannotCollide(t *testing.T) {
	s, clk := testutil.NewStore(t)

	batch := []combo.Candidate{
		testutil.Candidate("60_12", "v1", "x"),
		testutil.Candidate("60", "12_v1", "x"),
	}
	result, err := New(s, WithClock(clk)).Register(context.Background(), batch)
	require.NoError(t, err)

	assert.Equal(t, Counts{Errors: 2}, result.Counts)
	for _, out := range result.Outcomes {
		assert.Equal(t, OutcomeError, out.Kind)
		assert.Contains(t, out.Message, "key separator")
	}
	n, err := s.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Empty(t, n)
}

func TestRegister_InvalidCandidateDoesNotAbortBatch(t *testing.T) {
	s, clk := testutil.NewStore(t)

	batch := []combo.Candidate{
		{"operator": "60", "contract": "", "version": "v1"},
		testutil.Candidate("60", "12", "v1"),
		{"P_EMPRESA": 61, "P_CONTR": 3, "P_VERSION": "v2"},
	}
	result, err := New(s, WithClock(clk), WithWorkers(2)).Register(context.Background(), batch)
	require.NoError(t, err)

	assert.Equal(t, Counts{Registered: 2, Errors: 1}, result.Counts)
	assert.Equal(t, OutcomeError, result.Outcomes[0].Kind)
	assert.Contains(t, result.Outcomes[0].Message, "contract")
	assert.Equal(t, "61_3_v2", result.Outcomes[2].Key)
}

func TestRegister_RetriesNeverDecrease(t *testing.T) {
	s, clk := testutil.NewStore(t)
	r := New(s, WithClock(clk))
	ctx := context.Background()
	batch := []combo.Candidate{testutil.Candidate("60", "12", "v1")}

	_, err := r.Register(ctx, batch)
	require.NoError(t, err)

	last := int64(0)
	for i := 0; i < 3; i++ {
		err := s.Update(ctx, "60_12_v1", store.Mutation{Status: combo.StatusFailed}, store.Condition{})
		require.NoError(t, err)

		_, err = r.Register(ctx, batch)
		require.NoError(t, err)

		rec := testutil.MustGet(t, s, "60_12_v1")
		assert.GreaterOrEqual(t, rec.Retries, last)
		last = rec.Retries
	}
	assert.Equal(t, int64(3), last)
}

func TestRegister_RecordsMetrics(t *testing.T) {
	s, clk := testutil.NewStore(t)
	m := metrics.New()
	r := New(s, WithClock(clk), WithMetrics(m))

	_, err := r.Register(context.Background(), []combo.Candidate{
		testutil.Candidate("60", "12", "v1"),
		{"operator": "60"},
	})
	require.NoError(t, err)

	count, err := promtestutil.GatherAndCount(m.Registry(), "gtfsbatch_registrar_outcomes_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRegister_CancelledContext(t *testing.T) {
	s, clk := testutil.NewStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(s, WithClock(clk)).Register(ctx, []combo.Candidate{testutil.Candidate("60", "12", "v1")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResetFailed(t *testing.T) {
	s, clk := testutil.NewStore(t)
	ctx := context.Background()

	for _, rec := range []combo.Record{
		{Key: "a_1_v1", Operator: "a", Contract: "1", Version: "v1", Status: combo.StatusFailed, Error: "boom"},
		{Key: "b_1_v1", Operator: "b", Contract: "1", Version: "v1", Status: combo.StatusFailed, Retries: 4},
		{Key: "c_1_v1", Operator: "c", Contract: "1", Version: "v1", Status: combo.StatusCompleted},
	} {
		testutil.Seed(t, s, rec)
	}

	n, err := New(s, WithClock(clk)).ResetFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, combo.StatusPending, testutil.MustGet(t, s, "a_1_v1").Status)
	assert.Equal(t, int64(5), testutil.MustGet(t, s, "b_1_v1").Retries)
	assert.Equal(t, combo.StatusCompleted, testutil.MustGet(t, s, "c_1_v1").Status)
}
