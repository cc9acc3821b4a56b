// Package handlers is echo handlers of knitops API.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/opst/knitops/pkg/domain"
	"github.com/opst/knitops/pkg/orchestrator"
)

// MIMEApplicationNDJSON is the content type of streamed responses.
const MIMEApplicationNDJSON = "application/x-ndjson"

// Orchestrator is the set of project operations served by the API.
type Orchestrator interface {
	Deploy(ctx context.Context, project domain.Project, exclusive bool) <-chan domain.Event
	Teardown(ctx context.Context, key string) <-chan domain.Event
	Get(ctx context.Context, key string) (domain.Project, error)
	List(ctx context.Context) ([]domain.Project, error)
	UpdateLabels(ctx context.Context, key string, labels domain.Labels) (domain.Project, error)
	Status(ctx context.Context, key string, app string) ([]domain.Instance, error)
	Logs(ctx context.Context, key string, query orchestrator.LogQuery) (*orchestrator.LogStream, error)
}

var _ Orchestrator = &orchestrator.Orchestrator{}

// ndjson writes values as newline-delimited json, flushing each line.
type ndjson struct {
	c      echo.Context
	enc    *json.Encoder
	broken bool
}

// startNDJSON sends the header of a streamed response.
func startNDJSON(c echo.Context) *ndjson {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, MIMEApplicationNDJSON)
	resp.Header().Set("X-Content-Type-Options", "nosniff")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()
	return &ndjson{c: c, enc: json.NewEncoder(resp)}
}

// write encodes v. Once the client is gone, it discards everything.
func (n *ndjson) write(v any) bool {
	if n.broken {
		return false
	}
	if err := n.enc.Encode(v); err != nil {
		n.broken = true
		n.c.Logger().Warnf("client is gone: %s", err)
		return false
	}
	n.c.Response().Flush()
	return true
}
