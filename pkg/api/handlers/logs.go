package handlers

import (
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/opst/knitops/pkg/api/apierr"
	"github.com/opst/knitops/pkg/api/types/logs"
	"github.com/opst/knitops/pkg/orchestrator"
)

// ParseLogQuery reads query parameters of log retrieval.
//
//   - tail: the number of lines per source, or "all" (default).
//   - follow, timestamps: booleans. default false.
//   - names: app names, instance names or instance ids. Repeated or comma separated.
func ParseLogQuery(c echo.Context) (orchestrator.LogQuery, error) {
	q := orchestrator.LogQuery{Tail: -1}

	if tail := c.QueryParam("tail"); tail != "" && tail != "all" {
		n, err := strconv.Atoi(tail)
		if err != nil || n < 0 {
			return q, apierr.BadRequest(`tail should be a non-negative number or "all"`, err)
		}
		q.Tail = n
	}
	for _, b := range []struct {
		name string
		dest *bool
	}{
		{name: "follow", dest: &q.Follow},
		{name: "timestamps", dest: &q.Timestamps},
	} {
		v := c.QueryParam(b.name)
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return q, apierr.BadRequest(b.name+" should be true or false", err)
		}
		*b.dest = parsed
	}
	for _, v := range c.QueryParams()["names"] {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				q.Names = append(q.Names, name)
			}
		}
	}
	return q, nil
}

// GetLogsHandler streams logs of the project as logs.Record.
//
// A failure after the stream started is sent as the last record with Error.
func GetLogsHandler(orch Orchestrator, keyParam string) echo.HandlerFunc {
	return func(c echo.Context) error {
		query, err := ParseLogQuery(c)
		if err != nil {
			return err
		}

		stream, err := orch.Logs(c.Request().Context(), c.Param(keyParam), query)
		if err != nil {
			return apierr.FromError(err)
		}
		defer stream.Close()

		out := startNDJSON(c)
		for rec := range stream.Records() {
			composed := logs.Compose(rec, stream.NameWidth())
			if !out.write(composed) {
				return nil
			}
			if composed.Terminal() {
				return nil
			}
		}
		return nil
	}
}
