// Package api builds the HTTP server of knitops.
//
// Routes (all under /api, and all require bearer tokens):
//
//	POST   /api/projects/                  deploy a project. body: manifest json. response: ndjson events
//	GET    /api/projects/                  list projects
//	GET    /api/projects/:key/             get a project
//	DELETE /api/projects/:key/             tear down a project. response: ndjson events
//	PUT    /api/projects/:key/labels/      update labels
//	GET    /api/projects/:key/apps/:app/   instances of an app
//	GET    /api/projects/:key/logs/        logs. response: ndjson log records
//
// Logs are ordered by timestamps up to the time of the request. With follow=true,
// records arriving later are in the order of receipt, not of their timestamps.
//
// GET /healthz responds 200 without authentication.
package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/opst/knitops/pkg/api/handlers"
	"github.com/opst/knitops/pkg/auth"
	"github.com/opst/knitops/pkg/utils/echoutil"
)

var API_ROOT = "/api"

func api(subpath string) string {
	subpath = strings.TrimPrefix(subpath, "/")
	if !strings.HasSuffix(subpath, "/") {
		subpath += "/"
	}
	return fmt.Sprintf("%s/%s", API_ROOT, subpath)
}

// BuildServer creates echo server serving the orchestrator.
func BuildServer(orch handlers.Orchestrator, authority *auth.Authority, loglevel string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	echoutil.SetLevel(e, loglevel)

	e.HTTPErrorHandler = func(err error, ctx echo.Context) {
		e.DefaultHTTPErrorHandler(err, ctx)
		e.Logger.Error(err)
	}

	e.Pre(middleware.AddTrailingSlash())
	e.Use(echoutil.LogHandlerFunc)
	e.Use(middleware.Recover())

	e.GET("/healthz/", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	g := e.Group("", authority.Middleware())

	g.POST(api("projects"), handlers.PostProjectHandler(orch))
	g.GET(api("projects"), handlers.ListProjectsHandler(orch))
	g.GET(api("projects/:key"), handlers.GetProjectHandler(orch, "key"))
	g.DELETE(api("projects/:key"), handlers.DeleteProjectHandler(orch, "key"))
	g.PUT(api("projects/:key/labels"), handlers.PutLabelsHandler(orch, "key"))
	g.GET(api("projects/:key/apps/:app"), handlers.GetAppStatusHandler(orch, "key", "app"))
	g.GET(api("projects/:key/logs"), handlers.GetLogsHandler(orch, "key"))

	return e
}
