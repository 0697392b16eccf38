package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"

	"clip-collector/internal/domain"
	"clip-collector/internal/tasks"
)

// processRequest is the submission payload. Owner may come from the body or
// the X-Owner header; the header wins.
type processRequest struct {
	SourceURL string `json:"sourceUrl" binding:"required"`
	MaxItems  int    `json:"maxItems"`
	Language  string `json:"language"`
	Owner     string `json:"owner"`
}

// ownerHeader identifies the requester for ownership checks.
const ownerHeader = "X-Owner"

func (s *Server) handleProcess(c *gin.Context) {
	var req processRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	owner := c.GetHeader(ownerHeader)
	if owner == "" {
		owner = req.Owner
	}

	task, err := s.orchestrator.Submit(owner, domain.TaskInput{
		SourceURL: req.SourceURL,
		MaxItems:  req.MaxItems,
		Language:  req.Language,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, task)
}

func (s *Server) handleStatus(c *gin.Context) {
	task, err := s.orchestrator.Status(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, task)
}

func (s *Server) handleCancel(c *gin.Context) {
	id := c.Param("id")
	if err := s.orchestrator.Cancel(id, c.GetHeader(ownerHeader)); err != nil {
		writeError(c, err)
		return
	}

	task, err := s.orchestrator.Status(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleDownload(c *gin.Context) {
	path, err := s.orchestrator.ArtifactPath(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.FileAttachment(path, filepath.Base(path))
}

func (s *Server) handleDelete(c *gin.Context) {
	if err := s.orchestrator.Delete(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) handleList(c *gin.Context) {
	list, err := s.orchestrator.List(c.Query("owner"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"tasks": list})
}

func (s *Server) handleEvents(c *gin.Context) {
	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "since must be an integer"})
		return
	}

	events := s.orchestrator.Events(since)
	next := since
	if n := len(events); n > 0 {
		next = events[n-1].Seq
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "nextSeq": next})
}

func (s *Server) handleHealth(c *gin.Context) {
	report := s.diagnoser.Run(s.settings)
	status := http.StatusOK
	if report.HasFailures {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, report)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, tasks.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, tasks.ErrOwnerBusy), errors.Is(err, tasks.ErrTaskFinished):
		status = http.StatusConflict
	case errors.Is(err, tasks.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, tasks.ErrInvalidSource), errors.Is(err, tasks.ErrArtifactNotReady):
		status = http.StatusBadRequest
	case errors.Is(err, tasks.ErrArtifactMissing):
		status = http.StatusNotFound
	}

	c.JSON(status, gin.H{"error": err.Error()})
}
