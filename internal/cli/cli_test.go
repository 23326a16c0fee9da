package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abelbrown/gribsync/internal/cache"
	"github.com/abelbrown/gribsync/internal/config"
	"github.com/abelbrown/gribsync/internal/dataset"
	"github.com/abelbrown/gribsync/internal/otel"
	"github.com/abelbrown/gribsync/internal/queue"
	"github.com/abelbrown/gribsync/internal/schedule"
	"github.com/abelbrown/gribsync/internal/store"
)

func TestFormatOffset(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{49 * time.Minute, "+49m"},
		{85 * time.Minute, "+1h25m"},
		{2*time.Hour + 25*time.Minute, "+2h25m"},
		{51*time.Minute + 30*time.Second, "+0h51m30s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatOffset(tt.in), "formatOffset(%v)", tt.in)
	}
}

func TestOffsetTableListsEveryStep(t *testing.T) {
	m := config.DefaultConfig()
	b, err := newBuilder(m, nil, false, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	out := offsetTable(b.Estimated())
	assert.Contains(t, out, "REGULAR")
	assert.Contains(t, out, "+49m")
	assert.Contains(t, out, "+2h25m", "last extended step")
	assert.Equal(t, 30, strings.Count(out, "-"), "regular column is empty past step 18")
}

func writeEvents(t *testing.T, evs ...otel.Event) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	for _, ev := range evs {
		line, err := json.Marshal(ev)
		require.NoError(t, err)
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteString("not json\n\n")
	return &buf
}

func TestReadTailLinesFilters(t *testing.T) {
	buf := writeEvents(t,
		otel.Event{Kind: otel.KindFetchComplete, Level: otel.LevelInfo, Comp: "engine", Dataset: "a"},
		otel.Event{Kind: otel.KindFetchRetry, Level: otel.LevelWarn, Comp: "engine", Dataset: "a"},
		otel.Event{Kind: otel.KindDatasetAdd, Level: otel.LevelInfo, Comp: "dataset", Dataset: "b"},
		otel.Event{Kind: otel.KindTaskAbandoned, Level: otel.LevelError, Comp: "engine", Dataset: "b"},
	)
	data := buf.Bytes()

	got := readTailLines(bytes.NewReader(data), 10, eventFilter{kind: "fetch"}.match)
	require.Len(t, got, 2)
	assert.Equal(t, otel.KindFetchComplete, got[0].ev.Kind)

	got = readTailLines(bytes.NewReader(data), 10, eventFilter{minLevel: levelRank(otel.LevelWarn)}.match)
	assert.Len(t, got, 2)

	got = readTailLines(bytes.NewReader(data), 10, eventFilter{dataset: "b", comp: "engine"}.match)
	require.Len(t, got, 1)
	assert.Equal(t, otel.KindTaskAbandoned, got[0].ev.Kind)

	got = readTailLines(bytes.NewReader(data), 1, eventFilter{}.match)
	require.Len(t, got, 1, "tail keeps the newest")
	assert.Equal(t, otel.KindTaskAbandoned, got[0].ev.Kind)
	assert.True(t, json.Valid(got[0].raw))
}

func TestFormatEvent(t *testing.T) {
	line := formatEvent(otel.Event{
		Time:    time.Date(2024, 1, 1, 3, 4, 5, 0, time.UTC),
		Level:   otel.LevelWarn,
		Kind:    otel.KindFetchRetry,
		Comp:    "engine",
		Task:    "20240101T02Z+03",
		Attempt: 2,
		DurMs:   12.5,
		Err:     "file not yet available",
	})
	for _, want := range []string{"03:04:05.000", "WARN", "fetch.retry", "20240101T02Z+03", "attempt=2", "(12.5ms)", "err=file not yet available"} {
		assert.Contains(t, line, want)
	}
}

func TestAddConfiguredIsIdempotent(t *testing.T) {
	m, err := schedule.Estimate(config.DefaultConfig().Schedule.Params())
	require.NoError(t, err)
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reqs := []dataset.Request{{
		Name:   "west",
		Region: dataset.Region{Top: 50, Bottom: 20, Left: 230, Right: 300},
		Fields: []string{"TMP"},
		Levels: []string{"2_m_above_ground"},
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	reg := dataset.NewRegistry(queue.New(3, time.Minute), schedule.NewStaticProvider(m), dataset.WithPersister(st))
	require.NoError(t, addConfigured(ctx, reg, nil, reqs, logger))
	require.True(t, reg.Has(dataset.StableID("west")))

	// A restart restores the stored dataset and skips the configured one.
	reg = dataset.NewRegistry(queue.New(3, time.Minute), schedule.NewStaticProvider(m), dataset.WithPersister(st))
	n, err := reg.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, addConfigured(ctx, reg, nil, reqs, logger))
	assert.Len(t, reg.List(), 1)

	found, err := findDataset(ctx, st, nil, "WEST")
	require.NoError(t, err)
	assert.Equal(t, dataset.StableID("west"), found.ID)

	_, err = findDataset(ctx, st, nil, "east")
	assert.True(t, errors.Is(err, dataset.ErrNotFound))
}

func TestAddConfiguredReplacesEditedDataset(t *testing.T) {
	m, err := schedule.Estimate(config.DefaultConfig().Schedule.Params())
	require.NoError(t, err)
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	c, err := cache.New(t.TempDir(), config.DefaultConfig().Naming, st, nil)
	require.NoError(t, err)

	req := dataset.Request{
		Name:   "west",
		Region: dataset.Region{Top: 50, Bottom: 20, Left: 230, Right: 300},
		Fields: []string{"TMP"},
		Levels: []string{"2_m_above_ground"},
	}
	id := dataset.StableID("west")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	reg := dataset.NewRegistry(queue.New(3, time.Minute), schedule.NewStaticProvider(m), dataset.WithPersister(st))
	require.NoError(t, addConfigured(ctx, reg, c, []dataset.Request{req}, logger))
	base := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)
	old, err := c.Write(ctx, id, "west", base, 0, []byte("GRIB"), base)
	require.NoError(t, err)

	// The config entry is edited between runs.
	edited := req
	edited.Fields = []string{"UGRD", "VGRD"}
	q := queue.New(3, time.Minute)
	reg = dataset.NewRegistry(q, schedule.NewStaticProvider(m), dataset.WithPersister(st))
	_, err = reg.Restore(ctx)
	require.NoError(t, err)
	require.NoError(t, addConfigured(ctx, reg, c, []dataset.Request{edited}, logger))

	got, ok := reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, []string{"UGRD", "VGRD"}, got.Fields)
	assert.Len(t, reg.List(), 1)

	stored, err := findDataset(ctx, st, nil, "west")
	require.NoError(t, err)
	assert.Equal(t, []string{"UGRD", "VGRD"}, stored.Fields)

	_, cached := c.Lookup(ctx, id, base, 0)
	assert.False(t, cached, "files of the old subset are dropped")
	assert.NoFileExists(t, old.Path)
}

func TestOpenJournal(t *testing.T) {
	j, closeFn, err := openJournal("")
	require.NoError(t, err)
	j.Close()
	require.NoError(t, closeFn())

	path := filepath.Join(t.TempDir(), "events", "gribsync.jsonl")
	j, closeFn, err = openJournal(path)
	require.NoError(t, err)
	j.Info(otel.KindStartup, "main", "test")
	j.Close()
	require.NoError(t, closeFn())
	assert.FileExists(t, path)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, Execute())
	assert.Equal(t, "gribsync "+Version+"\n", out.String())
}
