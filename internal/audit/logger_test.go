package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	l, err := NewLogger(Options{Dir: t.TempDir(), PlantID: "PLANT_A", MaxSizeMB: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, scanner.Err())
	return entries
}

func TestNewLoggerRequiresDir(t *testing.T) {
	_, err := NewLogger(Options{})
	assert.Error(t, err)
}

func TestNewLoggerCreatesNestedDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	l, err := NewLogger(Options{Dir: dir})
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	assert.Equal(t, filepath.Join(dir, FileName), l.GetFilePath())
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestLogActionSuccess(t *testing.T) {
	l := newTestLogger(t)
	ctx := WithActor(WithCorrelationID(context.Background(), "corr-1"), "operator-7")

	l.LogAction(ctx, ActionThresholds, "thresholds", map[string]interface{}{"maxTemperature": 300.0}, nil)

	entries := readEntries(t, l.GetFilePath())
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "operator-7", e.Actor)
	assert.Equal(t, "PLANT_A", e.PlantID)
	assert.Equal(t, ActionThresholds, e.Action)
	assert.Equal(t, OutcomeSuccess, e.Outcome)
	assert.Equal(t, "SUCCESS", e.Code)
	assert.Equal(t, "corr-1", e.CorrelationID)
	assert.Equal(t, 300.0, e.Params["maxTemperature"])
	assert.False(t, e.Timestamp.IsZero())
}

func TestLogActionFailure(t *testing.T) {
	l := newTestLogger(t)
	sentinel := errors.New("UNAUTHORIZED")
	params := map[string]interface{}{"client": "client_1"}

	l.LogAction(context.Background(), ActionSubscriberAuth, "client_1", params, fmt.Errorf("auth failed: %w", sentinel))

	entries := readEntries(t, l.GetFilePath())
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "system", e.Actor)
	assert.Equal(t, OutcomeFailure, e.Outcome)
	assert.Equal(t, "UNAUTHORIZED", e.Code)
	assert.Equal(t, "auth failed: UNAUTHORIZED", e.Params["error"])
	assert.NotEmpty(t, e.CorrelationID)

	// caller's map is untouched
	assert.NotContains(t, params, "error")
}

func TestCodeFromError(t *testing.T) {
	a := errors.New("CONNECTION")
	b := errors.New("DEVICE_FAULTED")

	assert.Equal(t, "SUCCESS", CodeFromError(nil))
	assert.Equal(t, "ERROR", CodeFromError(errors.New("something broke")))
	assert.Equal(t, "CONNECTION", CodeFromError(fmt.Errorf("read: %w", a)))
	assert.Equal(t, "CONNECTION", CodeFromError(fmt.Errorf("%w: %w", a, b)))
	assert.Equal(t, "DEVICE_FAULTED", CodeFromError(errors.Join(errors.New("x"), fmt.Errorf("y: %w", b))))
}

func TestRotate(t *testing.T) {
	l := newTestLogger(t)
	l.LogAction(context.Background(), ActionStart, "", nil, nil)
	require.NoError(t, l.Rotate())
	l.LogAction(context.Background(), ActionStop, "", nil, nil)

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(l.GetFilePath()), "audit*.jsonl"))
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	entries := readEntries(t, l.GetFilePath())
	require.Len(t, entries, 1)
	assert.Equal(t, ActionStop, entries[0].Action)
}

func TestClose(t *testing.T) {
	l := newTestLogger(t)
	l.LogAction(context.Background(), ActionStart, "", nil, nil)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	// dropped after close
	l.LogAction(context.Background(), ActionStop, "", nil, nil)
	assert.Len(t, readEntries(t, l.GetFilePath()), 1)
	assert.Error(t, l.Rotate())
}

func TestConcurrentWrites(t *testing.T) {
	l := newTestLogger(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.LogAction(context.Background(), ActionAlert, fmt.Sprintf("t-%d", i), nil, nil)
		}()
	}
	wg.Wait()

	assert.Len(t, readEntries(t, l.GetFilePath()), 20)
}
