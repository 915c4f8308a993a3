// Package strategy implements the ranked acquisition methods the
// orchestrator escalates through.
package strategy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aluiziolira/go-acquire/config"
	"github.com/aluiziolira/go-acquire/models"
	"github.com/aluiziolira/go-acquire/session"
	"github.com/gocolly/colly/v2"
	"github.com/tidwall/sjson"
)

// DefaultTokenField is the form field the harvested token is sent under
// when the target does not name one.
const DefaultTokenField = "__RequestVerificationToken"

const formContentType = "application/x-www-form-urlencoded; charset=UTF-8"

// HTTP sends the target request with a plain HTTP client, optionally after
// visiting the landing page to harvest cookies and a token.
type HTTP struct {
	spec      config.StrategySpec
	timeout   time.Duration
	sessions  *session.Manager
	transport http.RoundTripper
}

// HTTPOption customises an HTTP strategy.
type HTTPOption func(*HTTP)

// WithTransport replaces the per-identity transport, mainly for tests.
func WithTransport(rt http.RoundTripper) HTTPOption {
	return func(h *HTTP) { h.transport = rt }
}

// NewHTTP builds an HTTP strategy for spec.
func NewHTTP(spec config.StrategySpec, cfg *config.Config, opts ...HTTPOption) *HTTP {
	h := &HTTP{
		spec:     spec,
		timeout:  cfg.Timeout,
		sessions: session.NewManager(cfg.TokenFields),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HTTP) Name() string      { return h.spec.Name }
func (h *HTTP) Rank() int         { return h.spec.Rank }
func (h *HTTP) Interactive() bool { return h.spec.Interactive }

// Attempt performs one acquisition attempt. A failed landing visit is
// reported as the attempt's response.
func (h *HTTP) Attempt(ctx context.Context, sess *session.Session, target models.Target) models.RawResponse {
	rt := h.transport
	if rt == nil {
		tr, err := newTransport(sess, h.timeout)
		if err != nil {
			return models.RawResponse{URL: target.URL, Err: err}
		}
		defer tr.CloseIdleConnections()
		rt = tr
	}

	landing := landingURL(target)
	if h.spec.HarvestToken {
		raw := h.send(ctx, rt, sess, http.MethodGet, landing, nil, pageHeaders(sess))
		if raw.Err != nil || raw.StatusCode >= http.StatusBadRequest {
			return raw
		}
		h.sessions.RecordResponse(sess, raw)
	}

	method := target.RequestMethod()
	body, contentType, err := encodeBody(sess, target, h.spec.Encoding, h.spec.HarvestToken)
	if err != nil {
		return models.RawResponse{URL: target.URL, Err: err}
	}

	requestURL := target.URL
	hdr := ajaxHeaders(sess, target, landing)
	if method == http.MethodGet && body != "" {
		requestURL = withQuery(target.URL, body)
		body = ""
	} else if body != "" {
		hdr.Set("Content-Type", contentType)
	}
	for k, v := range target.Headers {
		hdr.Set(k, v)
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	return h.send(ctx, rt, sess, method, requestURL, reader, hdr)
}

func (h *HTTP) send(ctx context.Context, rt http.RoundTripper, sess *session.Session, method, rawURL string, body io.Reader, hdr http.Header) models.RawResponse {
	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	if sess != nil {
		c.UserAgent = sess.Identity.UserAgent
		if sess.Jar != nil {
			c.SetCookieJar(sess.Jar)
		}
	}
	c.SetRequestTimeout(h.timeout)
	c.WithTransport(&contextTransport{ctx: ctx, base: rt})

	out := models.RawResponse{URL: rawURL}
	c.OnResponse(func(r *colly.Response) {
		out.StatusCode = r.StatusCode
		out.Body = r.Body
		if r.Headers != nil {
			out.Header = r.Headers.Clone()
		}
		if r.Request != nil && r.Request.URL != nil {
			out.URL = r.Request.URL.String()
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		slog.Debug("strategy request error",
			slog.String("strategy", h.spec.Name),
			slog.String("url", rawURL),
			slog.Any("error", err),
		)
	})

	if err := c.Request(method, rawURL, body, nil, hdr); err != nil && out.StatusCode == 0 {
		out.Err = err
	}
	return out
}

// encodeBody builds the request body. Blank form values are filled from
// harvested session fields and, when withToken is set, the session token is
// added under the target's token field.
func encodeBody(sess *session.Session, target models.Target, encoding string, withToken bool) (string, string, error) {
	values := make(map[string]string, len(target.Form)+1)
	for k, v := range target.Form {
		if v == "" && sess != nil {
			v = sess.Fields[k]
		}
		values[k] = v
	}
	tokenField := target.TokenField
	if tokenField == "" {
		tokenField = DefaultTokenField
	}
	if withToken && sess != nil && sess.Token != "" {
		values[tokenField] = sess.Token
	}

	if encoding == "json" || (target.JSON != "" && len(target.Form) == 0) {
		doc := target.JSON
		if doc == "" && len(values) == 0 {
			return "", "", nil
		}
		if doc == "" {
			doc = "{}"
		}
		for k, v := range values {
			var err error
			if doc, err = sjson.Set(doc, escapePath(k), v); err != nil {
				return "", "", fmt.Errorf("encode %s: %w", k, err)
			}
		}
		return doc, "application/json", nil
	}

	if len(values) == 0 {
		return "", "", nil
	}
	form := url.Values{}
	for k, v := range values {
		form.Set(k, v)
	}
	return form.Encode(), formContentType, nil
}

func pageHeaders(sess *session.Session) http.Header {
	if sess == nil {
		return http.Header{}
	}
	return sess.Identity.Headers()
}

// ajaxHeaders makes the request look like the landing page's own XHR.
func ajaxHeaders(sess *session.Session, target models.Target, landing string) http.Header {
	hdr := pageHeaders(sess)
	hdr.Del("Upgrade-Insecure-Requests")
	hdr.Del("Sec-Fetch-User")
	hdr.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	hdr.Set("X-Requested-With", "XMLHttpRequest")
	hdr.Set("Sec-Fetch-Dest", "empty")
	hdr.Set("Sec-Fetch-Mode", "cors")
	hdr.Set("Sec-Fetch-Site", "same-origin")
	if origin := originOf(target.URL); origin != "" {
		hdr.Set("Origin", origin)
	}
	hdr.Set("Referer", landing)
	return hdr
}

func landingURL(target models.Target) string {
	if target.LandingURL != "" {
		return target.LandingURL
	}
	if origin := originOf(target.URL); origin != "" {
		return origin + "/"
	}
	return target.URL
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func withQuery(raw, query string) string {
	if strings.Contains(raw, "?") {
		return raw + "&" + query
	}
	return raw + "?" + query
}

func escapePath(key string) string {
	r := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)
	return r.Replace(key)
}

func newTransport(sess *session.Session, timeout time.Duration) (*http.Transport, error) {
	proxy := http.ProxyFromEnvironment
	if sess != nil && sess.Identity.Proxy != "" {
		u, err := url.Parse(sess.Identity.Proxy)
		if err != nil {
			return nil, err
		}
		proxy = http.ProxyURL(u)
	}
	return &http.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}, nil
}

// contextTransport ties every request to the attempt context so cancelling
// an acquisition aborts an in-flight request.
type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.ctx.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(req.Context())
	stop := context.AfterFunc(t.ctx, cancel)
	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		stop()
		cancel()
		return nil, err
	}
	resp.Body = &releasingBody{ReadCloser: resp.Body, release: func() {
		stop()
		cancel()
	}}
	return resp, nil
}

type releasingBody struct {
	io.ReadCloser
	release func()
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.release()
	return err
}
