package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// maxResponseBody bounds how much of a response body is read into memory.
const maxResponseBody = 10 << 20

// RESTConfig configures an HTTP device API.
type RESTConfig struct {
	// BaseURL is the device API root, e.g. "http://10.0.0.20/api/".
	BaseURL string

	// Method is the HTTP verb used by Send. Defaults to POST.
	Method string

	// Headers are added to every request.
	Headers map[string]string

	// ContentType for request bodies. Defaults to "application/octet-stream".
	ContentType string

	// Client overrides the HTTP client. Its Timeout is ignored; the write
	// timeout of the transport applies per request.
	Client *http.Client
}

// HTTPResponse is a completed request as seen by the device driver.
type HTTPResponse struct {
	Method     string
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// REST drives a request/response device API.
//
// There is no receive loop: each response body is published on the
// bytes-received and string-received channels and, with its status and
// headers, on the HTTP response channel. A transport-level failure (refused,
// timeout, reset) queues the request and moves the link to Disconnected; the
// connection-check loop then probes the base URL with HEAD under backoff.
// HTTP error statuses are responses, not failures.
type REST struct {
	*link

	base   *url.URL
	method string
	ctype  string
	client *http.Client

	headerMu sync.RWMutex
	headers  http.Header

	httpResponses handlerSet[HTTPResponse]
}

// NewREST creates a REST transport.
func NewREST(cfg RESTConfig, opts Options) (*REST, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid base url %q", ErrInvalidConfig, cfg.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	r := &REST{
		base:    base,
		method:  strings.ToUpper(cfg.Method),
		ctype:   cfg.ContentType,
		client:  cfg.Client,
		headers: make(http.Header),
	}
	if r.method == "" {
		r.method = http.MethodPost
	}
	if r.ctype == "" {
		r.ctype = "application/octet-stream"
	}
	if r.client == nil {
		r.client = &http.Client{}
	}
	for k, v := range cfg.Headers {
		r.headers.Set(k, v)
	}

	r.link = newLink("rest", base.String(), opts, r.dial, false)
	return r, nil
}

// BaseURL returns the API root.
func (r *REST) BaseURL() string {
	return r.base.String()
}

// SetHeader sets a default header sent with every request.
func (r *REST) SetHeader(key, value string) {
	r.headerMu.Lock()
	r.headers.Set(key, value)
	r.headerMu.Unlock()
}

// Request queues a request to path (relative to the base URL).
// Like Send it never blocks on the network and never returns an error.
func (r *REST) Request(method, path string, body []byte) {
	r.submit(outbound{
		data:  cloneBytes(body),
		route: &route{method: strings.ToUpper(method), path: path},
	})
}

// OnHTTPResponse registers a handler that receives status, headers and body.
func (r *REST) OnHTTPResponse(fn func(HTTPResponse)) Subscription {
	return r.httpResponses.add(fn)
}

// dial checks the API is reachable. Any HTTP answer counts.
func (r *REST) dial(ctx context.Context) (stream, error) {
	s := &restStream{rest: r}
	if err := s.Probe(ctx); err != nil {
		return nil, dialError(r.base.Host, err)
	}
	return s, nil
}

func (r *REST) resolve(path string) string {
	if path == "" {
		return r.base.String()
	}
	ref, err := url.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return r.base.String() + path
	}
	return r.base.ResolveReference(ref).String()
}

func (r *REST) applyHeaders(req *http.Request) {
	r.headerMu.RLock()
	defer r.headerMu.RUnlock()
	for k, vs := range r.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}

// restStream stands in for a socket: reachability was proven by dial and each
// write is one HTTP exchange.
type restStream struct {
	rest *REST
}

func (s *restStream) Read([]byte, time.Duration) (int, error) {
	return 0, nil
}

func (s *restStream) Write(p []byte, timeout time.Duration) error {
	reply, err := s.WriteRoute(route{method: s.rest.method}, p, timeout)
	if err == nil {
		reply()
	}
	return err
}

// WriteRoute performs one exchange. The response is published by the
// returned reply, not here.
func (s *restStream) WriteRoute(rt route, body []byte, timeout time.Duration) (func(), error) {
	r := s.rest
	method := rt.method
	if method == "" {
		method = r.method
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	target := r.resolve(rt.path)
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if rd != nil {
		req.Header.Set("Content-Type", r.ctype)
	}
	r.applyHeaders(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		r.logger.Warn("device returned error status",
			"connection", r.name,
			"method", method,
			"url", target,
			"status", resp.StatusCode,
		)
	}

	response := HTTPResponse{
		Method:     method,
		URL:        target,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
	}
	return func() {
		if len(data) > 0 {
			r.deliver(data)
		}
		emit(r.ev, "http_response", &r.httpResponses, response)
	}, nil
}

// Probe issues HEAD against the base URL.
func (s *restStream) Probe(ctx context.Context) error {
	r := s.rest
	ctx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, r.base.String(), nil)
	if err != nil {
		return err
	}
	r.applyHeaders(req)
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (s *restStream) Close() error {
	s.rest.client.CloseIdleConnections()
	return nil
}
