package dataset

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abelbrown/gribsync/internal/queue"
	"github.com/abelbrown/gribsync/internal/schedule"
)

var now = time.Date(2024, 1, 1, 2, 54, 0, 0, time.UTC)

func testModels(t *testing.T) ModelSource {
	t.Helper()
	m, err := schedule.Estimate(schedule.Params{
		CycleInterval: time.Hour,
		ExtendedEvery: 6 * time.Hour,
		StepInterval:  time.Hour,
		Regular:       schedule.KindParams{FirstStep: 0, LastStep: 18, FirstOffset: 49 * time.Minute, LastOffset: 85 * time.Minute},
		Extended:      schedule.KindParams{FirstStep: 0, LastStep: 48, FirstOffset: 49 * time.Minute, LastOffset: 145 * time.Minute},
	})
	require.NoError(t, err)
	return schedule.NewStaticProvider(m)
}

func validRequest(name string) Request {
	return Request{
		Name:   name,
		Region: Region{Top: 50, Bottom: 20, Left: 230, Right: 300},
		Fields: []string{"TMP", "UGRD"},
		Levels: []string{"2_m_above_ground"},
	}
}

type memStore struct {
	mu      sync.Mutex
	rows    map[string]Request
	saveErr error
}

func newMemStore() *memStore { return &memStore{rows: map[string]Request{}} }

func (m *memStore) SaveDataset(ctx context.Context, r Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.rows[r.ID] = r
	return nil
}

func (m *memStore) DeleteDataset(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

func (m *memStore) LoadDatasets(ctx context.Context) ([]Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Request
	for _, r := range m.rows {
		out = append(out, r)
	}
	return out, nil
}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *queue.Queue) {
	t.Helper()
	q := queue.New(3, time.Minute)
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return NewRegistry(q, testModels(t), opts...), q
}

func TestAddQueuesAvailableHoursImmediately(t *testing.T) {
	reg, q := newTestRegistry(t)
	var wakes atomic.Int32
	reg.SetWake(func() { wakes.Add(1) })

	id, err := reg.Add(context.Background(), validRequest("conus"))
	require.NoError(t, err)

	tasks := q.Tasks(id)
	assert.Len(t, tasks, 47)
	for _, task := range tasks {
		assert.Equal(t, queue.Pending, task.Status)
		assert.False(t, task.ReadyAt.After(now))
	}
	assert.EqualValues(t, 1, wakes.Load())
	assert.True(t, reg.Has(id))
}

func TestAddRejectsInvalidRequests(t *testing.T) {
	tests := []struct {
		name   string
		field  string
		mutate func(*Request)
	}{
		{"empty name", "name", func(r *Request) { r.Name = "" }},
		{"name with slash", "name", func(r *Request) { r.Name = "a/b" }},
		{"top above pole", "region.top", func(r *Request) { r.Region.Top = 91 }},
		{"inverted latitudes", "region", func(r *Request) { r.Region.Top, r.Region.Bottom = 10, 20 }},
		{"longitude out of range", "region.left", func(r *Request) { r.Region.Left = -200 }},
		{"zero width", "region", func(r *Request) { r.Region.Right = r.Region.Left }},
		{"no fields", "fields", func(r *Request) { r.Fields = nil }},
		{"no levels", "levels", func(r *Request) { r.Levels = []string{} }},
		{"bad level", "levels", func(r *Request) { r.Levels = []string{"2 m"} }},
		{"duplicate field", "fields", func(r *Request) { r.Fields = []string{"TMP", "TMP"} }},
		{"bad id", "id", func(r *Request) { r.ID = "not-a-uuid" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, q := newTestRegistry(t)
			req := validRequest("conus")
			tt.mutate(&req)

			_, err := reg.Add(context.Background(), req)
			var cerr *ConfigError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.field, cerr.Field)
			assert.Zero(t, q.Len())
			assert.Empty(t, reg.List())
		})
	}
}

func TestAddRejectsDuplicateNames(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Add(context.Background(), validRequest("conus"))
	require.NoError(t, err)

	_, err = reg.Add(context.Background(), validRequest("CONUS"))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestAddKeepsPresetID(t *testing.T) {
	reg, _ := newTestRegistry(t)
	req := validRequest("conus")
	req.ID = StableID("conus")

	id, err := reg.Add(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StableID("conus"), id)
	assert.Equal(t, StableID("Conus"), id, "stable IDs ignore case")
	assert.NotEqual(t, StableID("alaska"), id)
}

func TestAddPersistFailureLeavesNothingBehind(t *testing.T) {
	st := newMemStore()
	st.saveErr = errors.New("disk full")
	reg, q := newTestRegistry(t, WithPersister(st))

	_, err := reg.Add(context.Background(), validRequest("conus"))
	require.Error(t, err)
	assert.Empty(t, reg.List())
	assert.Zero(t, q.Len())
}

func TestRemovePurgesQueueAndStore(t *testing.T) {
	st := newMemStore()
	reg, q := newTestRegistry(t, WithPersister(st))
	var wakes atomic.Int32
	reg.SetWake(func() { wakes.Add(1) })

	keep, err := reg.Add(context.Background(), validRequest("keep"))
	require.NoError(t, err)
	drop, err := reg.Add(context.Background(), validRequest("drop"))
	require.NoError(t, err)

	require.NoError(t, reg.Remove(context.Background(), drop))
	assert.False(t, reg.Has(drop))
	assert.Empty(t, q.Tasks(drop))
	assert.NotEmpty(t, q.Tasks(keep))
	assert.NotContains(t, st.rows, drop)
	assert.Contains(t, st.rows, keep)
	assert.EqualValues(t, 3, wakes.Load())

	assert.ErrorIs(t, reg.Remove(context.Background(), drop), ErrNotFound)
}

func TestReplaceRequeuesWithNewRequest(t *testing.T) {
	st := newMemStore()
	reg, q := newTestRegistry(t, WithPersister(st))
	ctx := context.Background()

	id, err := reg.Add(ctx, validRequest("west"))
	require.NoError(t, err)
	_, err = reg.Add(ctx, validRequest("east"))
	require.NoError(t, err)
	var wakes atomic.Int32
	reg.SetWake(func() { wakes.Add(1) })

	edited := validRequest("west")
	edited.ID = id
	edited.Fields = []string{"UGRD", "VGRD"}
	require.NoError(t, reg.Replace(ctx, edited))

	got, ok := reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, []string{"UGRD", "VGRD"}, got.Fields)
	assert.Equal(t, []string{"UGRD", "VGRD"}, st.rows[id].Fields)
	tasks := q.Tasks(id)
	assert.Len(t, tasks, 47)
	for _, task := range tasks {
		assert.Equal(t, queue.Pending, task.Status)
	}
	assert.EqualValues(t, 1, wakes.Load())

	clash := edited
	clash.Name = "east"
	assert.ErrorIs(t, reg.Replace(ctx, clash), ErrDuplicate)
	got, _ = reg.Get(id)
	assert.Equal(t, "west", got.Name, "failed replace keeps the old request")

	unknown := validRequest("north")
	unknown.ID = StableID("north")
	assert.ErrorIs(t, reg.Replace(ctx, unknown), ErrNotFound)
}

func TestReplacePersistFailureKeepsOldRequest(t *testing.T) {
	st := newMemStore()
	reg, q := newTestRegistry(t, WithPersister(st))
	ctx := context.Background()

	id, err := reg.Add(ctx, validRequest("west"))
	require.NoError(t, err)

	st.saveErr = errors.New("disk full")
	edited := validRequest("west")
	edited.ID = id
	edited.Levels = []string{"surface"}
	require.Error(t, reg.Replace(ctx, edited))

	got, ok := reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, []string{"2_m_above_ground"}, got.Levels)
	assert.Len(t, q.Tasks(id), 47)
}

func TestRequestSame(t *testing.T) {
	a := validRequest("west")
	b := validRequest("west")
	b.ID = StableID("west")
	assert.True(t, a.Same(b), "IDs are ignored")

	b.Region.Left = 231
	assert.False(t, a.Same(b))
	b = validRequest("west")
	b.Fields = []string{"UGRD", "TMP"}
	assert.False(t, a.Same(b), "order matters")
	b = validRequest("West")
	assert.False(t, a.Same(b))
}

func TestRefreshIsIdempotent(t *testing.T) {
	reg, q := newTestRegistry(t)
	_, err := reg.Add(context.Background(), validRequest("a"))
	require.NoError(t, err)
	_, err = reg.Add(context.Background(), validRequest("b"))
	require.NoError(t, err)

	assert.Zero(t, reg.Refresh(now), "nothing new since Add")
	assert.Equal(t, 94, q.Len())

	// An hour later the next cycle has started publishing.
	assert.Positive(t, reg.Refresh(now.Add(time.Hour)))
	n := q.Len()
	assert.Zero(t, reg.Refresh(now.Add(time.Hour)))
	assert.Equal(t, n, q.Len())
}

func TestRestoreKeepsIDs(t *testing.T) {
	st := newMemStore()
	first, _ := newTestRegistry(t, WithPersister(st))
	id, err := first.Add(context.Background(), validRequest("conus"))
	require.NoError(t, err)

	second, q := newTestRegistry(t, WithPersister(st))
	n, err := second.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, ok := second.Get(id)
	require.True(t, ok)
	assert.Equal(t, "conus", got.Name)
	assert.Zero(t, q.Len(), "restore leaves queueing to the engine")
	assert.Positive(t, second.Refresh(now))
}

func TestGetReturnsCopy(t *testing.T) {
	reg, _ := newTestRegistry(t)
	id, err := reg.Add(context.Background(), validRequest("conus"))
	require.NoError(t, err)

	got, _ := reg.Get(id)
	got.Fields[0] = "CHANGED"
	again, _ := reg.Get(id)
	assert.Equal(t, "TMP", again.Fields[0])
}
