// Package server exposes stored task vectors and experiment results over a
// read-only HTTP API.
package server

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/taskarith/internal/experiment"
	"github.com/samcharles93/taskarith/internal/taskvector"
	"github.com/samcharles93/taskarith/internal/version"
)

type Server struct {
	modelRoot  string
	resultRoot string
	started    time.Time
	clock      func() time.Time
	metrics    http.Handler
}

func NewServer(roots experiment.Roots) *Server {
	return &Server{
		modelRoot:  roots.Model,
		resultRoot: roots.Result,
		started:    time.Now(),
		clock:      time.Now,
		metrics:    promhttp.Handler(),
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", s.handleMetrics)

	e.GET("/v1/vectors", s.handleListVectors)
	e.GET("/v1/vectors/*", s.handleGetVector)
	e.GET("/v1/results/*", s.handleGetResult)
}

type HealthResponse struct {
	Status  string       `json:"status"`
	Version version.Info `json:"version"`
	Uptime  string       `json:"uptime"`
}

type VectorEntry struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

type VectorList struct {
	Object string        `json:"object"`
	Data   []VectorEntry `json:"data"`
}

type VectorDetail struct {
	Path     string               `json:"path"`
	Identity taskvector.Identity  `json:"identity"`
	Norm     float64              `json:"norm"`
	Keys     []taskvector.KeyStat `json:"keys"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{"error": ErrorBody{Message: msg, Type: errType}})
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg)
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: version.Resolve(),
		Uptime:  s.clock().Sub(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleMetrics(c *echo.Context) error {
	s.metrics.ServeHTTP(c.Response(), c.Request())
	return nil
}

// resolve maps a request path onto a file under root, refusing anything
// that would leave it.
func resolve(root, rel, ext string) (string, error) {
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" || !filepath.IsLocal(filepath.FromSlash(rel)) {
		return "", errors.New("path must be relative to the served root")
	}
	if !strings.HasSuffix(rel, ext) {
		return "", errors.New("path must end in " + ext)
	}
	return filepath.Join(root, filepath.FromSlash(rel)), nil
}

func (s *Server) handleListVectors(c *echo.Context) error {
	list := VectorList{Object: "list", Data: []VectorEntry{}}
	err := filepath.WalkDir(s.modelRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), taskvector.FileExt) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.modelRoot, path)
		if err != nil {
			return err
		}
		list.Data = append(list.Data, VectorEntry{Path: filepath.ToSlash(rel), Size: info.Size(), ModTime: info.ModTime().UTC()})
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	slices.SortFunc(list.Data, func(a, b VectorEntry) int { return strings.Compare(a.Path, b.Path) })
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleGetVector(c *echo.Context) error {
	rel := c.Param("*")
	path, err := resolve(s.modelRoot, rel, taskvector.FileExt)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	v, id, err := taskvector.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return writeNotFound(c, "no task vector at "+rel)
	}
	if err != nil {
		return writeError(c, http.StatusUnprocessableEntity, "invalid_file_error", err.Error())
	}
	return c.JSON(http.StatusOK, VectorDetail{Path: rel, Identity: id, Norm: v.Norm(), Keys: v.Stats()})
}

func (s *Server) handleGetResult(c *echo.Context) error {
	rel := c.Param("*")
	path, err := resolve(s.resultRoot, rel, experiment.ResultExt)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return writeNotFound(c, "no result at "+rel)
	}
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return writeError(c, http.StatusUnprocessableEntity, "invalid_file_error", err.Error())
	}
	return c.JSON(http.StatusOK, body)
}
