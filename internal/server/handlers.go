package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/fnemu/internal/function"
	"github.com/loykin/fnemu/internal/history"
	"github.com/loykin/fnemu/internal/metrics"
)

// EnvInfo is returned by GET /?env=true so a restart can reuse the settings.
type EnvInfo struct {
	ProjectID string `json:"project_id"`
	Debug     bool   `json:"debug"`
}

func (s *Server) handleIdentity(c *gin.Context) {
	switch {
	case c.Query("env") == "true":
		writeJSON(c, http.StatusOK, EnvInfo{ProjectID: s.projectID, Debug: s.debug})
	case c.Query("project") == "true":
		c.String(http.StatusOK, "%s", s.projectID)
	default:
		c.String(http.StatusOK, "%s", Identity)
	}
}

func (s *Server) handleShutdown(c *gin.Context) {
	s.logger.Info("shutdown requested", "remote", c.ClientIP())
	writeJSON(c, http.StatusOK, okResp{OK: true})
	c.Writer.Flush()
	s.RequestShutdown()
}

func (s *Server) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, s.reg.List())
}

func (s *Server) handleDescribe(c *gin.Context) {
	rec, err := s.reg.Describe(c.Param("name"))
	if err != nil {
		writeError(c, http.StatusNotFound, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (s *Server) handleDeploy(c *gin.Context) {
	name := c.Param("name")
	start := time.Now()
	t, err := function.ParseTrigger(c.Query("type"))
	if err == nil {
		rec, derr := s.reg.Deploy(name, c.Query("path"), t)
		s.registryEvent(history.EventDeploy, name, t, rec.Path, start, derr)
		if derr == nil {
			s.logger.Info("function deployed", "name", name, "type", rec.Type, "path", rec.Path)
			writeJSON(c, http.StatusOK, rec)
			return
		}
		err = derr
	}
	s.logger.Warn("deploy rejected", "name", name, "error", err)
	writeError(c, statusFor(err), err)
}

func (s *Server) handleUndeploy(c *gin.Context) {
	name := c.Param("name")
	start := time.Now()
	err := s.reg.Undeploy(name)
	s.registryEvent(history.EventUndeploy, name, "", "", start, err)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("function undeployed", "name", name)
	writeJSON(c, http.StatusOK, s.reg.List())
}

func (s *Server) handleClear(c *gin.Context) {
	start := time.Now()
	err := s.reg.Clear()
	s.registryEvent(history.EventClear, "", "", "", start, err)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("functions cleared")
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (s *Server) registryEvent(typ history.EventType, name string, t function.TriggerType, path string, start time.Time, err error) {
	metrics.IncRegistryOp(string(typ), err)
	metrics.SetRegistered(s.reg.Len())
	e := history.Event{
		Type:       typ,
		Function:   name,
		Trigger:    string(t),
		Path:       path,
		Status:     history.StatusOK,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		e.Status = history.StatusError
		e.Error = err.Error()
	}
	s.emit(e)
}
