package echoutil

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

// LogHandlerFunc is a middleware which logs requests and responses with the echo logger.
//
// Responses are logged at info level, and requests are logged at debug level.
func LogHandlerFunc(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		begin := time.Now()
		c.Logger().Debugj(log.JSON{
			"message": "request",
			"method":  req.Method,
			"path":    req.URL.Path,
			"remote":  c.RealIP(),
		})

		err := next(c)

		// errors are not written to the response yet. HTTPErrorHandler does it later.
		status := c.Response().Status
		if err != nil {
			status = http.StatusInternalServerError
			if he := new(echo.HTTPError); errors.As(err, &he) {
				status = he.Code
			}
		}
		entry := log.JSON{
			"message": "response",
			"method":  req.Method,
			"path":    req.URL.Path,
			"status":  status,
			"latency": time.Since(begin).String(),
		}
		if err != nil {
			entry["error"] = err.Error()
		}
		c.Logger().Infoj(entry)
		return err
	}
}

// SetLevel sets the level of the echo logger.
//
// loglevel is one of debug, info, warn (default), error or off.
func SetLevel(e *echo.Echo, loglevel string) {
	switch strings.ToLower(loglevel) {
	case "debug":
		e.Logger.SetLevel(log.DEBUG)
	case "info":
		e.Logger.SetLevel(log.INFO)
	case "warn", "":
		e.Logger.SetLevel(log.WARN)
	case "error":
		e.Logger.SetLevel(log.ERROR)
	case "off":
		e.Logger.SetLevel(log.OFF)
	default:
		e.Logger.SetLevel(log.WARN)
		e.Logger.Warnf("unknown loglevel: %s . fall-backed to warn", loglevel)
	}
}
