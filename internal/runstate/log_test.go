package runstate_test

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdsingh122918/forge/internal/runstate"
)

func TestLog_AppendAndRead(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "run.log")
	log := runstate.Open(logPath)

	require.NoError(t, log.Append("01", runstate.EventStarted, `{"wave":0}`))
	require.NoError(t, log.Append("01", runstate.EventCompleted, `{"iters":1}`))

	entries, err := runstate.Read(logPath)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "01", entries[0].Phase)
	assert.Equal(t, runstate.EventStarted, entries[0].Event)
	assert.Equal(t, `{"wave":0}`, entries[0].Payload)

	assert.Equal(t, runstate.EventCompleted, entries[1].Event)
}

func TestLog_OrderIsAppendOrder(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "run.log")
	log := runstate.Open(logPath)

	for _, e := range []runstate.Event{runstate.EventStarted, runstate.EventIter, runstate.EventIter, runstate.EventCompleted} {
		require.NoError(t, log.Append("02", e, ""))
	}

	entries, err := runstate.Read(logPath)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, runstate.EventStarted, entries[0].Event)
	assert.Equal(t, runstate.EventCompleted, entries[3].Event)
}

func TestLog_Read_MissingFile(t *testing.T) {
	entries, err := runstate.Read(filepath.Join(t.TempDir(), "does-not-exist.log"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLog_ConcurrentAppends_SingleWriterDiscipline(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "run.log")
	log := runstate.Open(logPath)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = log.Append("03", runstate.EventIter, "")
		}(i)
	}
	wg.Wait()

	entries, err := runstate.Read(logPath)
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}

func TestLastStatus(t *testing.T) {
	entries := []runstate.Entry{
		{Phase: "01", Event: runstate.EventStarted},
		{Phase: "01", Event: runstate.EventCompleted},
		{Phase: "02", Event: runstate.EventStarted},
	}
	status := runstate.LastStatus(entries)
	assert.Equal(t, runstate.EventCompleted, status["01"])
	assert.Equal(t, runstate.EventStarted, status["02"])
}
