package batch_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forkpool/forkpool/internal/batch"
	"github.com/forkpool/forkpool/internal/wire"
)

// fakeWorker writes a shell script standing in for the worker binary. The
// script receives the task file path as $1 and the concurrency limit as $2,
// exactly like the real worker invocation.
func fakeWorker(t *testing.T, script string) batch.Option {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	path := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return batch.WithWorker("sh", path)
}

// countingWorker emits one zero status result per task line.
const countingWorker = `
i=0
while IFS= read -r line; do
  i=$((i+1))
  printf '{"id":"%s","status":0,"stdout":"","stderr":""}\n' "$i"
done < "$1"
`

func TestBatchRun(t *testing.T) {
	t.Parallel()

	b := batch.New(2, fakeWorker(t, countingWorker))
	require.NoError(t, b.Add("a", "echo 1"))
	require.NoError(t, b.Add("b", "echo 2"))
	require.NoError(t, b.Add("c", "echo 3"))
	require.Equal(t, 3, b.Total())

	var completions []int
	err := b.Run(t.Context(), func(res wire.Result, completed, total int) {
		require.Equal(t, 3, total)
		completions = append(completions, completed)
	})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, completions, "completed count grows by one per result")
}

func TestBatchEmptyRun(t *testing.T) {
	t.Parallel()

	b := batch.New(2)
	err := b.Run(t.Context(), func(wire.Result, int, int) {
		t.Fatal("callback must not fire for an empty session")
	})
	require.NoError(t, err)
}

func TestBatchUsageErrors(t *testing.T) {
	t.Parallel()

	t.Run("add while running", func(t *testing.T) {
		b := batch.New(1, fakeWorker(t, countingWorker))
		require.NoError(t, b.Add("a", "true"))

		var addErr error
		err := b.Run(t.Context(), func(wire.Result, int, int) {
			addErr = b.Add("late", "true")
		})
		require.NoError(t, err)
		require.ErrorIs(t, addErr, batch.ErrRunStarted)
	})

	t.Run("add after finish", func(t *testing.T) {
		b := batch.New(1)
		require.NoError(t, b.Run(t.Context(), nil))
		require.ErrorIs(t, b.Add("late", "true"), batch.ErrFinished)
	})

	t.Run("run twice", func(t *testing.T) {
		b := batch.New(1)
		require.NoError(t, b.Run(t.Context(), nil))
		require.ErrorIs(t, b.Run(t.Context(), nil), batch.ErrFinished)
	})
}

func TestBatchFault(t *testing.T) {
	t.Parallel()

	b := batch.New(1, fakeWorker(t, `printf '{"error":"kaboom"}\n'`))
	require.NoError(t, b.Add("a", "true"))

	err := b.Run(t.Context(), func(wire.Result, int, int) {
		t.Fatal("no result may follow a fault")
	})
	require.Error(t, err)
	var runErr *wire.RunError
	require.ErrorAs(t, err, &runErr)
	require.Equal(t, "kaboom", runErr.Msg)
}

func TestBatchShortStream(t *testing.T) {
	t.Parallel()

	b := batch.New(1, fakeWorker(t, `printf '{"id":"1","status":0,"stdout":"","stderr":""}\n'`))
	require.NoError(t, b.Add("a", "true"))
	require.NoError(t, b.Add("b", "true"))

	err := b.Run(t.Context(), nil)
	require.Error(t, err)
	require.ErrorContains(t, err, "1 of 2")
}

func TestBatchMalformedStream(t *testing.T) {
	t.Parallel()

	b := batch.New(1, fakeWorker(t, `echo not-a-record`))
	require.NoError(t, b.Add("a", "true"))

	err := b.Run(t.Context(), nil)
	require.Error(t, err)
	require.ErrorContains(t, err, "result stream")
}

func TestBatchWorkerInvocation(t *testing.T) {
	t.Parallel()

	// the fake reports the concurrency argument back as the result id
	b := batch.New(5, fakeWorker(t,
		`printf '{"id":"%s","status":0,"stdout":"","stderr":""}\n' "$2"`))
	require.NoError(t, b.Add("a", "true"))

	var got wire.Result
	require.NoError(t, b.Run(t.Context(), func(res wire.Result, _, _ int) {
		got = res
	}))
	require.Equal(t, "5", got.ID)
}

func TestBatchBufferFileContents(t *testing.T) {
	t.Parallel()

	// the fake rewrites each buffered task line into a result line, so the
	// ids coming back prove what reached the task file and in which order
	b := batch.New(2, fakeWorker(t, `
while IFS= read -r line; do
  printf '%s\n' "$line" | sed 's/"cmd".*/"status":0,"stdout":"","stderr":""}/'
done < "$1"
`))
	require.NoError(t, b.Add("first", "echo 1"))
	require.NoError(t, b.Add("second", "echo 2"))

	var ids []string
	require.NoError(t, b.Run(t.Context(), func(res wire.Result, _, _ int) {
		ids = append(ids, res.ID)
	}))
	require.Equal(t, []string{"first", "second"}, ids)
}
