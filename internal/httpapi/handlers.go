package httpapi

import (
	"encoding/csv"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"postqueue/internal/lifecycle"
	logx "postqueue/pkg/logx"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// errorCode maps domain errors onto an HTTP status and a stable code.
func errorCode(err error) (int, string) {
	switch {
	case errors.Is(err, lifecycle.ErrEmptyBody):
		return http.StatusBadRequest, "empty_body"
	case errors.Is(err, lifecycle.ErrEmptyPlatformSet):
		return http.StatusBadRequest, "empty_platform_set"
	case errors.Is(err, lifecycle.ErrContentTooLong):
		return http.StatusBadRequest, "content_too_long"
	case errors.Is(err, lifecycle.ErrUnknownPlatform):
		return http.StatusBadRequest, "unknown_platform"
	case lifecycle.IsValidation(err):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, lifecycle.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, lifecycle.ErrTaskInFlight):
		return http.StatusConflict, "task_in_flight"
	case errors.Is(err, lifecycle.ErrAlreadySent):
		return http.StatusConflict, "already_sent"
	case errors.Is(err, lifecycle.ErrNotRetryable):
		return http.StatusConflict, "not_retryable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Service) fail(c *gin.Context, err error) {
	status, code := errorCode(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", logx.String("path", c.FullPath()), logx.Err(err))
		c.JSON(status, errorBody{Error: "internal error", Code: code})
		return
	}
	c.JSON(status, errorBody{Error: err.Error(), Code: code})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, errorBody{Error: msg, Code: "invalid_request"})
}

func (s *Service) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Service) createPost(c *gin.Context) {
	var in lifecycle.CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err.Error())
		return
	}
	v, err := s.lc.CreatePost(c.Request.Context(), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

func (s *Service) listPosts(c *gin.Context) {
	f, ok := s.listFilter(c)
	if !ok {
		return
	}
	views, err := s.lc.ListPosts(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": views})
}

// listFilter reads status, from, to and limit. On failure it has already
// written the response.
func (s *Service) listFilter(c *gin.Context) (lifecycle.ListFilter, bool) {
	var f lifecycle.ListFilter
	for _, raw := range c.QueryArray("status") {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			st, err := lifecycle.ParseStatus(part)
			if err != nil {
				s.fail(c, err)
				return f, false
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	var err error
	if f.From, err = queryTime(c, "from"); err != nil {
		badRequest(c, err.Error())
		return f, false
	}
	if f.To, err = queryTime(c, "to"); err != nil {
		badRequest(c, err.Error())
		return f, false
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return f, false
		}
		f.Limit = n
	}
	return f, true
}

var exportHeader = []string{"id", "body", "platforms", "scheduled_for", "created_at", "updated_at", "status"}

// exportPosts writes the filtered posts as CSV, one row per post.
func (s *Service) exportPosts(c *gin.Context) {
	f, ok := s.listFilter(c)
	if !ok {
		return
	}
	views, err := s.lc.ListPosts(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", `attachment; filename="posts.csv"`)
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	if err := w.Write(exportHeader); err != nil {
		s.log.Warn("export write failed", logx.Err(err))
		return
	}
	for _, v := range views {
		row := []string{
			v.Post.ID,
			v.Post.Body,
			strings.Join(v.Post.Platforms, ";"),
			v.Post.ScheduledFor.UTC().Format(time.RFC3339),
			v.Post.CreatedAt.UTC().Format(time.RFC3339),
			v.Post.UpdatedAt.UTC().Format(time.RFC3339),
			string(v.Status),
		}
		if err := w.Write(row); err != nil {
			s.log.Warn("export write failed", logx.Err(err))
			return
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		s.log.Warn("export flush failed", logx.Err(err))
	}
}

func queryTime(c *gin.Context, key string) (time.Time, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New(key + " must be an RFC3339 timestamp")
	}
	return t.UTC(), nil
}

func (s *Service) getPost(c *gin.Context) {
	v, err := s.lc.GetPost(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Service) editPost(c *gin.Context) {
	var in lifecycle.EditInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err.Error())
		return
	}
	v, err := s.lc.EditPost(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Service) deletePost(c *gin.Context) {
	if err := s.lc.DeletePost(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Service) postStatus(c *gin.Context) {
	id := c.Param("id")
	st, err := s.lc.GetPostStatus(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": st})
}

func (s *Service) retryTask(c *gin.Context) {
	t, err := s.lc.RetryFailedTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Service) platforms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"platforms": s.lc.Platforms()})
}

func (s *Service) dashboard(c *gin.Context) {
	d, err := s.lc.Dashboard(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Service) schedulerSnapshot(c *gin.Context) {
	if s.sched == nil {
		c.JSON(http.StatusServiceUnavailable, errorBody{Error: "scheduler not configured", Code: "unavailable"})
		return
	}
	c.JSON(http.StatusOK, s.sched.Snapshot())
}

func (s *Service) pauseScheduler(c *gin.Context) { s.toggleScheduler(c, true) }
func (s *Service) resumeScheduler(c *gin.Context) { s.toggleScheduler(c, false) }

// toggleScheduler reports whether the call changed anything along with the
// resulting snapshot.
func (s *Service) toggleScheduler(c *gin.Context, pause bool) {
	if s.sched == nil {
		c.JSON(http.StatusServiceUnavailable, errorBody{Error: "scheduler not configured", Code: "unavailable"})
		return
	}
	var changed bool
	if pause {
		changed = s.sched.Pause()
	} else {
		changed = s.sched.Resume()
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed, "scheduler": s.sched.Snapshot()})
}
