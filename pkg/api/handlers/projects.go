package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/opst/knitops/pkg/api/apierr"
	"github.com/opst/knitops/pkg/api/types/projects"
	"github.com/opst/knitops/pkg/auth"
	"github.com/opst/knitops/pkg/configs/manifest"
	"github.com/opst/knitops/pkg/domain"
	kerr "github.com/opst/knitops/pkg/domain/errors"
)

// PostProjectHandler deploys a project from the manifest in the request body.
//
// The owner of the project is the subject of the token.
// With query "exclusive=true", projects registered already are rejected.
//
// The response is a stream of projects.Event.
func PostProjectHandler(orch Orchestrator) echo.HandlerFunc {
	return func(c echo.Context) error {
		m := new(manifest.ManifestMarshall)
		if err := c.Bind(m); err != nil {
			return apierr.BadRequest("request body should be a manifest in json", err)
		}
		sealed, err := manifest.Seal(m)
		if err != nil {
			return apierr.FromError(err)
		}
		project, err := sealed.Project("", auth.Owner(c))
		if err != nil {
			return apierr.FromError(err)
		}

		exclusive := false
		if q := c.QueryParam("exclusive"); q != "" {
			if exclusive, err = strconv.ParseBool(q); err != nil {
				return apierr.BadRequest("exclusive should be true or false", err)
			}
		}

		out := startNDJSON(c)
		for ev := range orch.Deploy(c.Request().Context(), project, exclusive) {
			out.write(projects.ComposeEvent(ev))
		}
		return nil
	}
}

// DeleteProjectHandler tears down the project.
//
// Teardown goes on even if the client disconnects.
func DeleteProjectHandler(orch Orchestrator, keyParam string) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Param(keyParam)
		ctx := c.Request().Context()
		if _, err := orch.Get(ctx, key); err != nil {
			return apierr.FromError(err)
		}

		out := startNDJSON(c)
		for ev := range orch.Teardown(context.WithoutCancel(ctx), key) {
			out.write(projects.ComposeEvent(ev))
		}
		return nil
	}
}

func GetProjectHandler(orch Orchestrator, keyParam string) echo.HandlerFunc {
	return func(c echo.Context) error {
		p, err := orch.Get(c.Request().Context(), c.Param(keyParam))
		if err != nil {
			return apierr.FromError(err)
		}
		return c.JSON(http.StatusOK, projects.ComposeDetail(p))
	}
}

// ListProjectsHandler lists projects. With query "owner", only projects of the owner are listed.
func ListProjectsHandler(orch Orchestrator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ps, err := orch.List(c.Request().Context())
		if err != nil {
			return apierr.FromError(err)
		}
		owner := c.QueryParam("owner")
		ret := []projects.Detail{}
		for _, p := range ps {
			if owner != "" && p.Labels.Owner() != owner {
				continue
			}
			ret = append(ret, projects.ComposeDetail(p))
		}
		return c.JSON(http.StatusOK, ret)
	}
}

// PutLabelsHandler merges labels in the request body into the project.
// Labels with empty values are removed.
func PutLabelsHandler(orch Orchestrator, keyParam string) echo.HandlerFunc {
	return func(c echo.Context) error {
		labels := map[string]string{}
		if err := c.Bind(&labels); err != nil {
			return apierr.BadRequest("request body should be an object of label to value", err)
		}
		p, err := orch.UpdateLabels(c.Request().Context(), c.Param(keyParam), domain.Labels(labels))
		if err != nil {
			return apierr.FromError(err)
		}
		return c.JSON(http.StatusOK, projects.ComposeDetail(p))
	}
}

// GetAppStatusHandler responds instances of an app with its declared replicas.
func GetAppStatusHandler(orch Orchestrator, keyParam string, appParam string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		key, app := c.Param(keyParam), c.Param(appParam)

		p, err := orch.Get(ctx, key)
		if err != nil {
			return apierr.FromError(err)
		}
		spec, ok := p.Apps[app]
		if !ok {
			return apierr.FromError(fmt.Errorf("%w: app %s", kerr.ErrServiceNotFound, app))
		}

		instances, err := orch.Status(ctx, key, app)
		if err != nil {
			return apierr.FromError(err)
		}
		ret := projects.AppStatus{App: app, Replicas: spec.Replicas, Instances: []projects.Instance{}}
		for _, i := range instances {
			ret.Instances = append(ret.Instances, projects.ComposeInstance(i))
		}
		return c.JSON(http.StatusOK, ret)
	}
}
