// Package api exposes the running engine over a small JSON HTTP API.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/abelbrown/gribsync/internal/dataset"
	"github.com/abelbrown/gribsync/internal/otel"
	"github.com/abelbrown/gribsync/internal/queue"
	"github.com/abelbrown/gribsync/internal/schedule"
)

// Deps are what the handlers read and mutate.
type Deps struct {
	Registry *dataset.Registry
	Queue    *queue.Queue
	Models   dataset.ModelSource
	Recent   *otel.Recent // optional
	Wake     func()       // optional, called after a retry
	Logger   *slog.Logger // optional
	Now      func() time.Time
}

type handler struct {
	Deps
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Wake == nil {
		d.Wake = func() {}
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLog(d.Logger))
	RegisterHandlers(r, d)
	return r
}

// RegisterHandlers mounts the API routes on r.
func RegisterHandlers(r gin.IRouter, d Deps) {
	h := &handler{Deps: d}

	r.GET("/healthz", h.health)

	r.GET("/datasets", h.listDatasets)
	r.POST("/datasets", h.addDataset)
	r.GET("/datasets/:id", h.getDataset)
	r.DELETE("/datasets/:id", h.removeDataset)
	r.GET("/datasets/:id/tasks", h.datasetTasks)
	r.POST("/datasets/:id/retry", h.retryDataset)

	r.GET("/schedule", h.schedule)
	r.GET("/plan", h.plan)
	r.GET("/events", h.events)
}

func requestLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"dur", time.Since(start))
	}
}

// Serve runs the API on addr until ctx is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	logger.Info("api listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// modelView is the JSON form of a schedule model.
type modelView struct {
	Origin        schedule.Origin `json:"origin"`
	BuiltAt       time.Time       `json:"built_at"`
	CycleInterval string          `json:"cycle_interval"`
	StepInterval  string          `json:"step_interval"`
	ExtraDelay    string          `json:"extra_delay"`
	Regular       []offsetView    `json:"regular"`
	Extended      []offsetView    `json:"extended"`
}

type offsetView struct {
	Step   int    `json:"step"`
	Offset string `json:"offset"`
}

func viewModel(m *schedule.Model) modelView {
	return modelView{
		Origin:        m.Origin(),
		BuiltAt:       m.BuiltAt(),
		CycleInterval: m.CycleInterval().String(),
		StepInterval:  m.StepInterval().String(),
		ExtraDelay:    m.ExtraDelay().String(),
		Regular:       viewOffsets(m.Offsets(schedule.Regular)),
		Extended:      viewOffsets(m.Offsets(schedule.Extended)),
	}
}

func viewOffsets(o schedule.StepOffsets) []offsetView {
	out := make([]offsetView, 0, o.Range.Len())
	for s := o.Range.First; s <= o.Range.Last; s++ {
		d, _ := o.At(s)
		out = append(out, offsetView{Step: s, Offset: d.String()})
	}
	return out
}
