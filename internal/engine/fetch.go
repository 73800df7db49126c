package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/dop251/goja"
	readability "github.com/go-shiori/go-readability"
)

// maxRedirects bounds redirect chains followed by fetch.
const maxRedirects = 5

// FetchConfig tunes the fetch capability.
type FetchConfig struct {
	MaxBodyBytes int64
	UserAgent    string
	Timeout      time.Duration
}

// DefaultFetchConfig returns the built-in fetch limits.
func DefaultFetchConfig() FetchConfig {
	return FetchConfig{MaxBodyBytes: 10 << 20, UserAgent: "snippetd-fetch/1.0", Timeout: 30 * time.Second}
}

// FetchRequest is a fetch call decoded from its JS arguments.
type FetchRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// FetchResponse is a fully read HTTP response.
type FetchResponse struct {
	Status     int
	StatusText string
	URL        string
	Header     http.Header
	Body       []byte
	Truncated  bool
}

// Fetcher performs the HTTP side of fetch off the VM goroutine.
type Fetcher struct {
	cfg    FetchConfig
	client *http.Client
}

// NewFetcher builds a fetcher. A nil client gets a default one with the
// redirect limit applied.
func NewFetcher(cfg FetchConfig, client *http.Client) *Fetcher {
	def := DefaultFetchConfig()
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if client == nil {
		client = &http.Client{}
	}
	c := *client
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	}
	return &Fetcher{cfg: cfg, client: &c}
}

// Do performs r. Only http and https URLs are accepted. Bodies beyond the
// configured cap are cut and flagged as truncated.
func (f *Fetcher) Do(ctx context.Context, r FetchRequest) (*FetchResponse, error) {
	u, err := url.Parse(r.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, errors.New("only http/https URLs are supported")
	}
	method := strings.ToUpper(strings.TrimSpace(r.Method))
	if method == "" {
		method = http.MethodGet
	}
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	out := &FetchResponse{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		URL:        resp.Request.URL.String(),
		Header:     resp.Header,
	}
	if method == http.MethodHead {
		return out, nil
	}
	limited := io.LimitedReader{R: resp.Body, N: f.cfg.MaxBodyBytes + 1}
	data, err := io.ReadAll(&limited)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > f.cfg.MaxBodyBytes {
		data = data[:f.cfg.MaxBodyBytes]
		out.Truncated = true
	}
	out.Body = data
	return out, nil
}

// fetchBinding installs fetch(url, init) on a session. The HTTP exchange
// runs on its own goroutine and settles the promise through the loop.
func (s *session) fetchBinding(call goja.FunctionCall) goja.Value {
	vm := s.vm
	req, err := s.decodeFetchArgs(call)
	promise, resolve, reject := vm.NewPromise()
	if err != nil {
		_ = reject(vm.NewTypeError(err.Error()))
		return vm.ToValue(promise)
	}

	s.loop.begin()
	ctx := s.ctx
	go func() {
		resp, err := s.fetcher.Do(ctx, req)
		s.loop.post(func() error {
			if err != nil {
				_ = reject(vm.NewTypeError("fetch failed: " + err.Error()))
				return nil
			}
			_ = resolve(s.responseObject(resp))
			return nil
		})
	}()
	return vm.ToValue(promise)
}

func (s *session) decodeFetchArgs(call goja.FunctionCall) (FetchRequest, error) {
	target := call.Argument(0)
	if goja.IsUndefined(target) || goja.IsNull(target) {
		return FetchRequest{}, errors.New("fetch requires a URL")
	}
	req := FetchRequest{URL: target.String(), Header: http.Header{}}
	init, ok := call.Argument(1).(*goja.Object)
	if !ok {
		return req, nil
	}
	if m := init.Get("method"); m != nil && !goja.IsUndefined(m) {
		req.Method = m.String()
	}
	if h, ok := init.Get("headers").(*goja.Object); ok {
		for _, k := range h.Keys() {
			req.Header.Set(k, h.Get(k).String())
		}
	}
	if b := init.Get("body"); b != nil && !goja.IsUndefined(b) && !goja.IsNull(b) {
		switch x := b.Export().(type) {
		case goja.ArrayBuffer:
			req.Body = x.Bytes()
		case string:
			req.Body = []byte(x)
		default:
			req.Body = []byte(b.String())
		}
	}
	return req, nil
}

// responseObject exposes resp as a Response-like object. Body accessors
// return promises for API compatibility; the body is already in memory.
func (s *session) responseObject(resp *FetchResponse) *goja.Object {
	vm := s.vm
	o := vm.NewObject()
	_ = o.Set("status", resp.Status)
	_ = o.Set("statusText", resp.StatusText)
	_ = o.Set("ok", resp.Status >= 200 && resp.Status < 300)
	_ = o.Set("url", resp.URL)
	_ = o.Set("truncated", resp.Truncated)
	_ = o.Set("headers", s.headersObject(resp.Header))

	settled := func(v interface{}) goja.Value {
		p, resolve, _ := vm.NewPromise()
		_ = resolve(v)
		return vm.ToValue(p)
	}
	failed := func(reason interface{}) goja.Value {
		p, _, reject := vm.NewPromise()
		_ = reject(reason)
		return vm.ToValue(p)
	}
	_ = o.Set("text", func() goja.Value {
		return settled(string(resp.Body))
	})
	_ = o.Set("json", func() goja.Value {
		parsed, err := s.jsonParse(string(resp.Body))
		if err != nil {
			var ex *goja.Exception
			if errors.As(err, &ex) {
				return failed(ex.Value())
			}
			return failed(vm.NewGoError(err))
		}
		return settled(parsed)
	})
	_ = o.Set("arrayBuffer", func() goja.Value {
		return settled(vm.NewArrayBuffer(append([]byte(nil), resp.Body...)))
	})
	_ = o.Set("readable", func() goja.Value {
		base, _ := url.Parse(resp.URL)
		art, err := readability.FromReader(bytes.NewReader(resp.Body), base)
		if err != nil {
			return failed(vm.NewGoError(fmt.Errorf("readability extract: %w", err)))
		}
		r := vm.NewObject()
		_ = r.Set("title", art.Title)
		_ = r.Set("byline", art.Byline)
		_ = r.Set("excerpt", art.Excerpt)
		_ = r.Set("text", art.TextContent)
		_ = r.Set("length", art.Length)
		return settled(r)
	})
	return o
}

func (s *session) headersObject(h http.Header) *goja.Object {
	vm := s.vm
	o := vm.NewObject()
	_ = o.Set("get", func(name string) goja.Value {
		vs := h.Values(name)
		if len(vs) == 0 {
			return goja.Null()
		}
		return vm.ToValue(strings.Join(vs, ", "))
	})
	_ = o.Set("has", func(name string) bool {
		return len(h.Values(name)) > 0
	})
	_ = o.Set("entries", func() goja.Value {
		keys := make([]string, 0, len(h))
		for k := range h {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]interface{}, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, vm.NewArray(strings.ToLower(k), strings.Join(h[k], ", ")))
		}
		return vm.NewArray(pairs...)
	})
	return o
}
