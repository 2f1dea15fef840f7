// Package api serves text completions over HTTP in the OpenAI wire shape.
// A Server fronts exactly one loaded Session; the session owns a single KV
// cache, so completion requests are serialized behind one mutex rather
// than superseding each other mid-stream.
package api

import (
	"io"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/tobymordkin/cortex/internal/inference"
)

type Server struct {
	sess  *inference.Session
	model string
	clock func() time.Time

	// genMu queues generation requests. Without it a second request
	// would supersede a stream that is still being written out.
	genMu sync.Mutex
}

func NewServer(sess *inference.Session, model string) *Server {
	if model == "" {
		model = "cortex"
	}
	return &Server{
		sess:  sess,
		model: model,
		clock: time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/completions", s.handleCompletions)
	e.GET("/v1/models", s.handleListModels)
	e.GET("/healthz", s.handleHealthz)
}

func (s *Server) handleListModels(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]any{
			{
				"id":       s.model,
				"object":   "model",
				"created":  s.clock().Unix(),
				"owned_by": "local",
			},
		},
	})
}

func (s *Server) handleHealthz(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"model":  s.model,
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
