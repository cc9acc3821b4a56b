package echoutil_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/opst/knitops/pkg/utils/echoutil"
)

func TestLogHandlerFunc(t *testing.T) {
	for name, testcase := range map[string]struct {
		handler  echo.HandlerFunc
		expected []string
	}{
		"when the handler succeeds, it logs the status of the response": {
			handler: func(c echo.Context) error {
				return c.String(http.StatusCreated, "ok")
			},
			expected: []string{`"status":201`, `"path":"/api/projects/"`},
		},
		"when the handler returns HTTPError, it logs the code of the error": {
			handler: func(c echo.Context) error {
				return echo.NewHTTPError(http.StatusNotFound, "nothing")
			},
			expected: []string{`"status":404`, `"error":`},
		},
		"when the handler returns other error, it logs as internal server error": {
			handler: func(c echo.Context) error {
				return http.ErrHandlerTimeout
			},
			expected: []string{`"status":500`},
		},
	} {
		t.Run(name, func(t *testing.T) {
			e := echo.New()
			buf := new(bytes.Buffer)
			e.Logger.SetOutput(buf)
			echoutil.SetLevel(e, "info")

			req := httptest.NewRequest(http.MethodPost, "/api/projects/", nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			echoutil.LogHandlerFunc(testcase.handler)(c)

			out := buf.String()
			for _, want := range testcase.expected {
				if !strings.Contains(out, want) {
					t.Errorf("log should contain %s, but:\n%s", want, out)
				}
			}
			if strings.Contains(out, `"message":"request"`) {
				t.Errorf("requests should not be logged at info level:\n%s", out)
			}
		})
	}
}

func TestSetLevel(t *testing.T) {
	for loglevel, expected := range map[string]log.Lvl{
		"debug":   log.DEBUG,
		"INFO":    log.INFO,
		"warn":    log.WARN,
		"":        log.WARN,
		"error":   log.ERROR,
		"off":     log.OFF,
		"verbose": log.WARN,
	} {
		t.Run("when level is "+loglevel+", it sets the logger level", func(t *testing.T) {
			e := echo.New()
			e.Logger.SetOutput(new(bytes.Buffer))
			echoutil.SetLevel(e, loglevel)
			if actual := e.Logger.Level(); actual != expected {
				t.Errorf("mismatch. (expected, actual) = (%d, %d)", expected, actual)
			}
		})
	}
}
