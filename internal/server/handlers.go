package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/0x3EF8/Micro-Downloader/internal/downloader"
	"github.com/0x3EF8/Micro-Downloader/internal/downloader/format"
	"github.com/0x3EF8/Micro-Downloader/internal/history"
)

// submitRequest is the body of POST /api/jobs. Empty fields take the
// configured download defaults.
type submitRequest struct {
	URL            string `json:"url" binding:"required"`
	Kind           string `json:"kind"`
	Quality        string `json:"quality"`
	DestinationDir string `json:"destination_dir"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"active":    len(s.engine.Active()),
		"timestamp": time.Now().Unix(),
	})
}

// submitJob queues a download
func (s *Server) submitJob(c *gin.Context) {
	var body submitRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	req := s.jobRequest(body)
	id, err := s.engine.Submit(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		c.JSON(submitStatus(err), gin.H{"error": err.Error()})
		return
	}

	job, err := s.engine.Get(id)
	if err != nil {
		c.JSON(http.StatusCreated, gin.H{"job_id": id})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job_id": id, "job": job})
}

// jobRequest fills body gaps from the download defaults. The configured
// quality only applies when the configured kind is used.
func (s *Server) jobRequest(body submitRequest) downloader.JobRequest {
	kind := strings.TrimSpace(body.Kind)
	if kind == "" {
		kind = s.downloads.Kind
	}
	quality := strings.TrimSpace(body.Quality)
	if quality == "" && kind == s.downloads.Kind {
		quality = s.downloads.Quality
	}
	dir := strings.TrimSpace(body.DestinationDir)
	if dir == "" {
		dir = s.downloads.Path
	}

	return downloader.JobRequest{
		URL:            body.URL,
		Kind:           format.Kind(kind),
		Quality:        format.Tier(quality),
		DestinationDir: dir,
	}
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, downloader.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, downloader.ErrInsufficientSpace):
		return http.StatusInsufficientStorage
	case errors.Is(err, downloader.ErrManagerStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// listJobs returns unfinished jobs and the jobs finished in this run
func (s *Server) listJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active":   s.engine.Active(),
		"finished": s.engine.History(),
	})
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.engine.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}

// cancelJob requests cancellation. The job reaches Canceled once its
// running children have stopped.
func (s *Server) cancelJob(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.Cancel(c.Request.Context(), id); err != nil {
		if errors.Is(err, downloader.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": id, "status": "cancel requested"})
}

// listHistory queries persisted jobs. Supported parameters are search,
// state, kind, sort, limit and offset.
func (s *Server) listHistory(c *gin.Context) {
	opts := history.FilterOptions{
		State:       downloader.State(c.Query("state")),
		Kind:        format.Kind(c.Query("kind")),
		SearchQuery: c.Query("search"),
		SortBy:      history.SortOrder(c.DefaultQuery("sort", string(history.SortRecentFirst))),
	}

	var err error
	if opts.Limit, err = queryInt(c, "limit", 50); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if opts.Offset, err = queryInt(c, "offset", 0); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	records, err := s.store.List(c.Request.Context(), opts)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": records, "count": len(records)})
}

func (s *Server) getHistory(c *gin.Context) {
	rec, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history entry"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}
