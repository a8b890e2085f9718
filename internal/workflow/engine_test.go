package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/gtfsbatch/internal/testutil"
)

func TestLocalEngine_RunsHandler(t *testing.T) {
	var got atomic.Value
	e := NewLocalEngine(context.Background(), func(ctx context.Context, name string, input []byte) error {
		got.Store(string(input))
		return nil
	}, WithRefs(testutil.NewSequentialRefs("exec")))

	ref, err := e.Start(context.Background(), "GTFSProcess-a", []byte(`{"id":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, "exec-1", ref)

	e.Wait()
	assert.Equal(t, `{"id":"a"}`, got.Load())

	execs := e.Executions()
	require.Len(t, execs, 1)
	assert.True(t, execs[0].Done)
	assert.NoError(t, execs[0].Err)
}

func TestLocalEngine_RejectsDuplicateName(t *testing.T) {
	e := NewLocalEngine(context.Background(), func(context.Context, string, []byte) error { return nil })

	_, err := e.Start(context.Background(), "n", nil)
	require.NoError(t, err)
	_, err = e.Start(context.Background(), "n", nil)
	assert.ErrorIs(t, err, ErrDuplicateName)
	e.Wait()
}

func TestLocalEngine_WaitCoversNestedStarts(t *testing.T) {
	var (
		e     *LocalEngine
		count atomic.Int32
	)
	e = NewLocalEngine(context.Background(), func(ctx context.Context, name string, input []byte) error {
		n := count.Add(1)
		if n < 3 {
			_, err := e.Start(ctx, name+"+", nil)
			return err
		}
		return nil
	})

	_, err := e.Start(context.Background(), "root", nil)
	require.NoError(t, err)
	e.Wait()

	assert.Equal(t, int32(3), count.Load())
	assert.Len(t, e.Executions(), 3)
}

func TestLocalEngine_RecordsHandlerError(t *testing.T) {
	e := NewLocalEngine(context.Background(), func(context.Context, string, []byte) error {
		return errors.New("boom")
	})

	_, err := e.Start(context.Background(), "n", nil)
	require.NoError(t, err)
	e.Wait()

	assert.EqualError(t, e.Executions()[0].Err, "boom")
}

func TestLocalEngine_ClosedContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := NewLocalEngine(ctx, func(context.Context, string, []byte) error { return nil })

	_, err := e.Start(context.Background(), "n", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestUUIDv7Refs(t *testing.T) {
	ref := UUIDv7Refs{}.Generate()
	parsed, err := uuid.Parse(ref)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
	assert.NotEqual(t, ref, UUIDv7Refs{}.Generate())
}
