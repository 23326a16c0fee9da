package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/abelbrown/gribsync/internal/dataset"
	"github.com/abelbrown/gribsync/internal/otel"
	"github.com/abelbrown/gribsync/internal/queue"
	"github.com/abelbrown/gribsync/internal/resolver"
)

const (
	defaultEvents = 100
	maxEvents     = otel.DefaultRecentSize
)

func (h *handler) health(c *gin.Context) {
	m := h.Models.Load()
	counts := make(map[string]int)
	for s, n := range h.Queue.Counts() {
		counts[s.String()] = n
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"schedule": m.Origin(),
		"datasets": len(h.Registry.List()),
		"tasks":    counts,
	})
}

func (h *handler) listDatasets(c *gin.Context) {
	c.JSON(http.StatusOK, h.Registry.List())
}

func (h *handler) addDataset(c *gin.Context) {
	var req dataset.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	id, err := h.Registry.Add(c.Request.Context(), req)
	var cfgErr *dataset.ConfigError
	switch {
	case errors.As(err, &cfgErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": cfgErr.Field})
		return
	case errors.Is(err, dataset.ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.Logger.Error("add dataset failed", "name", req.Name, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not add dataset"})
		return
	}

	created, _ := h.Registry.Get(id)
	c.JSON(http.StatusCreated, created)
}

func (h *handler) getDataset(c *gin.Context) {
	req, ok := h.Registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "dataset not found"})
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h *handler) removeDataset(c *gin.Context) {
	err := h.Registry.Remove(c.Request.Context(), c.Param("id"))
	if errors.Is(err, dataset.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "dataset not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// datasetTasks lists the queue entries of a dataset, optionally only those
// in one status (?status=failed).
func (h *handler) datasetTasks(c *gin.Context) {
	id := c.Param("id")
	if !h.Registry.Has(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "dataset not found"})
		return
	}

	want := c.Query("status")
	tasks := make([]queue.Task, 0)
	for _, t := range h.Queue.Tasks(id) {
		if want != "" && t.Status.String() != want {
			continue
		}
		tasks = append(tasks, t)
	}
	c.JSON(http.StatusOK, tasks)
}

// retryDataset revives every abandoned task of a dataset.
func (h *handler) retryDataset(c *gin.Context) {
	id := c.Param("id")
	if !h.Registry.Has(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "dataset not found"})
		return
	}

	n := h.Queue.RetryDataset(id, h.Now())
	if n > 0 {
		h.Wake()
	}
	c.JSON(http.StatusOK, gin.H{"revived": n})
}

func (h *handler) schedule(c *gin.Context) {
	c.JSON(http.StatusOK, viewModel(h.Models.Load()))
}

// plan shows which cycle each forecast hour comes from right now, or at
// ?at=<RFC 3339 time>.
func (h *handler) plan(c *gin.Context) {
	at := h.Now()
	if s := c.Query("at"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "at must be an RFC 3339 time"})
			return
		}
		at = t
	}
	c.JSON(http.StatusOK, gin.H{
		"at":      at.UTC(),
		"sources": resolver.Plan(h.Models.Load(), at),
	})
}

// events returns the newest journal events, oldest first. Filters:
// ?n=, ?dataset=, ?kind=.
func (h *handler) events(c *gin.Context) {
	n := defaultEvents
	if s := c.Query("n"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "n must be a positive integer"})
			return
		}
		n = min(v, maxEvents)
	}
	if h.Recent == nil {
		c.JSON(http.StatusOK, []otel.Event{})
		return
	}

	ds, kind := c.Query("dataset"), c.Query("kind")
	evs := h.Recent.Last(n, func(e otel.Event) bool {
		return (ds == "" || e.Dataset == ds) && (kind == "" || string(e.Kind) == kind)
	})
	if evs == nil {
		evs = []otel.Event{}
	}
	c.JSON(http.StatusOK, evs)
}
