// Package client is the HTTP client of knitops API, used by the CLI and dependency waiters.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	apierr "github.com/opst/knitops/pkg/api/types/errors"
	"github.com/opst/knitops/pkg/api/types/logs"
	"github.com/opst/knitops/pkg/api/types/projects"
	"github.com/opst/knitops/pkg/configs/manifest"
	kerr "github.com/opst/knitops/pkg/domain/errors"
)

// ResponseError is an error response from the server.
//
// It unwraps to the sentinel error of its reason, so callers can test it with errors.Is.
type ResponseError struct {
	StatusCode int
	Message    apierr.ErrorMessage
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s (status code = %d)", e.Message.Error(), e.StatusCode)
}

func (e *ResponseError) Unwrap() error {
	return kerr.FromReason(e.Message.Reason)
}

// ResultError is a failed result at the end of streamed progress.
type ResultError struct {
	Reason  string
	Message string
}

func (e *ResultError) Error() string {
	if e.Message == "" {
		return e.Reason
	}
	return e.Reason + ": " + e.Message
}

func (e *ResultError) Unwrap() error {
	return kerr.FromReason(e.Reason)
}

type Client struct {
	base       *url.URL
	token      string
	httpclient *http.Client
}

type Option func(*Client) *Client

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) *Client {
		c.httpclient = hc
		return c
	}
}

// New creates a client for the server at baseURL, like "http://knitops.example.com:8080".
func New(baseURL string, token string, options ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api url should be http or https: %s", baseURL)
	}
	c := &Client{base: u, token: token, httpclient: http.DefaultClient}
	for _, opt := range options {
		c = opt(c)
	}
	return c, nil
}

func (c *Client) apipath(p ...string) string {
	return c.base.JoinPath(append([]string{"api"}, p...)...).String() + "/"
}

func (c *Client) do(ctx context.Context, method string, path string, query url.Values, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	if len(query) != 0 {
		path += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpclient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}

	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("status code = %d, cannot read server message: %w", resp.StatusCode, err)
	}
	rerr := &ResponseError{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(payload, &rerr.Message); err != nil {
		// echo's own errors, like {"message": "..."}
		msg := struct {
			Message string `json:"message"`
		}{}
		if json.Unmarshal(payload, &msg) == nil && msg.Message != "" {
			rerr.Message = apierr.ErrorMessage{Reason: http.StatusText(resp.StatusCode), Advice: msg.Message}
		} else {
			rerr.Message = apierr.ErrorMessage{Reason: http.StatusText(resp.StatusCode), Advice: string(payload)}
		}
	}
	return nil, rerr
}

func getJSON[T any](ctx context.Context, c *Client, method string, path string, query url.Values, body any) (T, error) {
	var ret T
	resp, err := c.do(ctx, method, path, query, body)
	if err != nil {
		return ret, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&ret); err != nil {
		return ret, fmt.Errorf("unexpected response: %w", err)
	}
	return ret, nil
}

// readNDJSON calls handler for each line of the response. It stops when handler returns false.
func readNDJSON[T any](resp *http.Response, handler func(T) bool) error {
	defer resp.Body.Close()
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			return fmt.Errorf("unexpected response: %w", err)
		}
		if !handler(v) {
			return nil
		}
	}
	return sc.Err()
}

// progress reads events until the terminal one.
func progress(resp *http.Response, onProgress func(string)) (projects.Event, error) {
	var last *projects.Event
	err := readNDJSON(resp, func(ev projects.Event) bool {
		if ev.Terminal() {
			last = &ev
			return false
		}
		if onProgress != nil {
			onProgress(ev.Stream)
		}
		return true
	})
	if err != nil {
		return projects.Event{}, err
	}
	if last == nil {
		return projects.Event{}, errors.New("connection is closed before completion")
	}
	if !last.Succeeded() {
		return *last, &ResultError{Reason: last.Reason, Message: last.Message}
	}
	return *last, nil
}

// Deploy posts the manifest, and waits for its completion.
//
// onProgress is called with each progress line. It can be nil.
func (c *Client) Deploy(ctx context.Context, m *manifest.ManifestMarshall, exclusive bool, onProgress func(string)) (projects.Event, error) {
	q := url.Values{}
	if exclusive {
		q.Set("exclusive", "true")
	}
	resp, err := c.do(ctx, http.MethodPost, c.apipath("projects"), q, m)
	if err != nil {
		return projects.Event{}, err
	}
	return progress(resp, onProgress)
}

// Teardown deletes the project, and waits for its completion.
func (c *Client) Teardown(ctx context.Context, key string, onProgress func(string)) (projects.Event, error) {
	resp, err := c.do(ctx, http.MethodDelete, c.apipath("projects", key), nil, nil)
	if err != nil {
		return projects.Event{}, err
	}
	return progress(resp, onProgress)
}

func (c *Client) Get(ctx context.Context, key string) (projects.Detail, error) {
	return getJSON[projects.Detail](ctx, c, http.MethodGet, c.apipath("projects", key), nil, nil)
}

// List lists projects. With non-empty owner, projects of the owner are listed.
func (c *Client) List(ctx context.Context, owner string) ([]projects.Detail, error) {
	q := url.Values{}
	if owner != "" {
		q.Set("owner", owner)
	}
	return getJSON[[]projects.Detail](ctx, c, http.MethodGet, c.apipath("projects"), q, nil)
}

// UpdateLabels merges labels. Labels with empty value are removed.
func (c *Client) UpdateLabels(ctx context.Context, key string, labels map[string]string) (projects.Detail, error) {
	return getJSON[projects.Detail](ctx, c, http.MethodPut, c.apipath("projects", key, "labels"), nil, labels)
}

func (c *Client) AppStatus(ctx context.Context, key string, app string) (projects.AppStatus, error) {
	return getJSON[projects.AppStatus](ctx, c, http.MethodGet, c.apipath("projects", key, "apps", app), nil, nil)
}

type LogQuery struct {
	// negative means all.
	Tail       int
	Follow     bool
	Timestamps bool
	Names      []string
}

// Logs calls handler for each log record until the stream ends or ctx is canceled.
//
// When the server reports a failure in the stream, it returns *ResultError.
func (c *Client) Logs(ctx context.Context, key string, query LogQuery, handler func(logs.Record) error) error {
	q := url.Values{}
	if 0 <= query.Tail {
		q.Set("tail", strconv.Itoa(query.Tail))
	} else {
		q.Set("tail", "all")
	}
	q.Set("follow", strconv.FormatBool(query.Follow))
	q.Set("timestamps", strconv.FormatBool(query.Timestamps))
	if len(query.Names) != 0 {
		q.Set("names", strings.Join(query.Names, ","))
	}

	resp, err := c.do(ctx, http.MethodGet, c.apipath("projects", key, "logs"), q, nil)
	if err != nil {
		return err
	}

	var failure error
	err = readNDJSON(resp, func(r logs.Record) bool {
		if r.Terminal() {
			failure = &ResultError{Reason: r.Reason, Message: r.Stream}
			return false
		}
		if err := handler(r); err != nil {
			failure = err
			return false
		}
		return true
	})
	if failure != nil {
		return failure
	}
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
