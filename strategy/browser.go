package strategy

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aluiziolira/go-acquire/browser"
	"github.com/aluiziolira/go-acquire/config"
	"github.com/aluiziolira/go-acquire/identity"
	"github.com/aluiziolira/go-acquire/models"
	"github.com/aluiziolira/go-acquire/session"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// fetchScript runs the target request from inside the page so it carries the
// page's cookies and origin. The request description is a JSON literal.
const fetchScript = `async () => {
	const req = %s;
	const res = await fetch(req.url, req.init);
	return JSON.stringify({status: res.status, url: res.url, body: await res.text()});
}`

// defaultWaitFor bounds a wait_for step without its own timeout.
const defaultWaitFor = 10 * time.Second

// Browser acquires the target through a real browser page: it loads the
// landing page, optionally behaves like a person, replays the target's
// interaction steps and reports the network response the target names.
type Browser struct {
	spec     config.StrategySpec
	cfg      config.BrowserConfig
	driver   browser.Browser
	sessions *session.Manager

	int64N func(int64) int64
	sleep  func(context.Context, time.Duration) error
}

// NewBrowser builds a browser strategy on driver.
func NewBrowser(spec config.StrategySpec, cfg *config.Config, driver browser.Browser) *Browser {
	return &Browser{
		spec:     spec,
		cfg:      cfg.Browser,
		driver:   driver,
		sessions: session.NewManager(cfg.TokenFields),
		int64N:   rand.Int64N,
		sleep:    sleepContext,
	}
}

func (b *Browser) Name() string      { return b.spec.Name }
func (b *Browser) Rank() int         { return b.spec.Rank }
func (b *Browser) Interactive() bool { return b.spec.Interactive }

// capture keeps the most recent response matching a URL filter.
type capture struct {
	filter string

	mu   sync.Mutex
	last *models.RawResponse
	hit  chan struct{}
}

func newCapture(filter string) *capture {
	return &capture{filter: filter, hit: make(chan struct{}, 1)}
}

func (c *capture) observe(raw models.RawResponse) {
	if !strings.Contains(raw.URL, c.filter) {
		return
	}
	c.mu.Lock()
	c.last = &raw
	c.mu.Unlock()
	select {
	case c.hit <- struct{}{}:
	default:
	}
}

func (c *capture) reset() {
	c.mu.Lock()
	c.last = nil
	c.mu.Unlock()
	select {
	case <-c.hit:
	default:
	}
}

func (c *capture) get() (models.RawResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return models.RawResponse{}, false
	}
	return *c.last, true
}

// Attempt performs one acquisition attempt in a fresh page.
func (b *Browser) Attempt(ctx context.Context, sess *session.Session, target models.Target) models.RawResponse {
	var id identity.Identity
	if sess != nil {
		id = sess.Identity
	}

	page, err := b.driver.NewPage(ctx, id)
	if err != nil {
		return models.RawResponse{URL: target.URL, Err: err}
	}
	defer page.Close()

	filter := target.CaptureURL
	if filter == "" {
		filter = target.URL
	}
	watch := newCapture(filter)
	page.OnResponse(watch.observe)

	start := navigationURL(target)
	if err := page.Navigate(ctx, start); err != nil {
		return models.RawResponse{URL: start, Err: err}
	}
	html, err := page.HTML(ctx)
	if err != nil {
		return models.RawResponse{URL: start, Err: err}
	}
	b.sessions.RecordResponse(sess, models.RawResponse{URL: start, StatusCode: http.StatusOK, Body: []byte(html)})

	if b.spec.Humanize {
		if err := b.humanize(ctx, page, id); err != nil {
			return models.RawResponse{URL: start, Err: err}
		}
	}

	switch {
	case len(target.Steps) > 0:
		watch.reset()
		if err := b.runSteps(ctx, page, target.Steps); err != nil {
			return models.RawResponse{URL: start, Err: err}
		}
		if raw, ok := b.await(ctx, watch); ok {
			return raw
		}
		if err := ctx.Err(); err != nil {
			return models.RawResponse{URL: target.URL, Err: err}
		}
		return b.document(ctx, page, start)

	case start != target.URL:
		return b.fetch(ctx, page, sess, target)

	default:
		if raw, ok := watch.get(); ok {
			return raw
		}
		return models.RawResponse{URL: start, StatusCode: http.StatusOK, Body: []byte(html)}
	}
}

// navigationURL is the page the browser opens first. Plain GET targets are
// opened directly; anything with a body starts from its landing page.
func navigationURL(target models.Target) string {
	if target.LandingURL != "" {
		return target.LandingURL
	}
	if target.RequestMethod() == http.MethodGet && len(target.Form) == 0 && target.JSON == "" {
		return target.URL
	}
	return landingURL(target)
}

func (b *Browser) runSteps(ctx context.Context, page browser.Page, steps []models.Step) error {
	for i, step := range steps {
		if b.spec.Humanize && i > 0 {
			if err := b.pause(ctx); err != nil {
				return err
			}
		}
		switch step.Action {
		case "wait":
			if err := b.sleep(ctx, step.Wait); err != nil {
				return err
			}
		case "wait_for":
			timeout := step.Wait
			if timeout <= 0 {
				timeout = defaultWaitFor
			}
			if _, err := page.WaitElement(ctx, step.Selector, timeout); err != nil {
				return fmt.Errorf("step %d: %q did not appear within %s: %w", i, step.Selector, timeout, err)
			}
		case "fill", "click":
			els, err := page.QueryElements(ctx, step.Selector)
			if err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
			if len(els) == 0 {
				return fmt.Errorf("step %d: no element matches %q", i, step.Selector)
			}
			if step.Action == "fill" {
				err = els[0].Fill(ctx, step.Value)
			} else {
				err = els[0].Click(ctx)
			}
			if err != nil {
				return fmt.Errorf("step %d %s: %w", i, step.Action, err)
			}
		default:
			return fmt.Errorf("step %d: unknown action %q", i, step.Action)
		}
	}
	return nil
}

// await blocks until a matching response arrives, the wait timeout passes
// or ctx ends.
func (b *Browser) await(ctx context.Context, watch *capture) (models.RawResponse, bool) {
	if raw, ok := watch.get(); ok {
		return raw, true
	}
	timer := time.NewTimer(b.cfg.WaitTimeout)
	defer timer.Stop()
	select {
	case <-watch.hit:
		return watch.get()
	case <-timer.C:
		return watch.get()
	case <-ctx.Done():
		return models.RawResponse{}, false
	}
}

func (b *Browser) document(ctx context.Context, page browser.Page, url string) models.RawResponse {
	html, err := page.HTML(ctx)
	if err != nil {
		return models.RawResponse{URL: url, Err: err}
	}
	return models.RawResponse{URL: url, StatusCode: http.StatusOK, Body: []byte(html)}
}

// fetch issues the target request from the loaded page.
func (b *Browser) fetch(ctx context.Context, page browser.Page, sess *session.Session, target models.Target) models.RawResponse {
	method := target.RequestMethod()
	body, contentType, err := encodeBody(sess, target, b.spec.Encoding, true)
	if err != nil {
		return models.RawResponse{URL: target.URL, Err: err}
	}

	requestURL := target.URL
	req := `{"init":{"credentials":"include","headers":{"X-Requested-With":"XMLHttpRequest","Accept":"application/json, text/javascript, */*; q=0.01"}}}`
	set := func(path string, v any) {
		if err == nil {
			req, err = sjson.Set(req, path, v)
		}
	}
	if method == http.MethodGet && body != "" {
		requestURL = withQuery(target.URL, body)
	} else if body != "" {
		set("init.body", body)
		set("init.headers.Content-Type", contentType)
	}
	set("url", requestURL)
	set("init.method", method)
	for k, v := range target.Headers {
		set("init.headers."+escapePath(k), v)
	}
	if err != nil {
		return models.RawResponse{URL: requestURL, Err: err}
	}

	out, err := page.Evaluate(ctx, fmt.Sprintf(fetchScript, req))
	if err != nil {
		return models.RawResponse{URL: requestURL, Err: fmt.Errorf("in-page fetch: %w", err)}
	}
	res := gjson.Parse(out)
	raw := models.RawResponse{
		URL:        requestURL,
		StatusCode: int(res.Get("status").Int()),
		Body:       []byte(res.Get("body").String()),
	}
	if u := res.Get("url").String(); u != "" {
		raw.URL = u
	}
	return raw
}

// humanize scrolls and moves the pointer around the viewport with
// randomised pauses.
func (b *Browser) humanize(ctx context.Context, page browser.Page, id identity.Identity) error {
	w, h := float64(id.Viewport.Width), float64(id.Viewport.Height)
	if w <= 0 || h <= 0 {
		w, h = 1280, 720
	}
	for range 2 {
		if err := b.pause(ctx); err != nil {
			return err
		}
		x := w * float64(20+b.int64N(60)) / 100
		y := h * float64(20+b.int64N(60)) / 100
		if err := page.MoveMouse(ctx, x, y); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if err := page.Scroll(ctx, float64(100+b.int64N(300))); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (b *Browser) pause(ctx context.Context) error {
	lo, hi := b.cfg.HumanDelayMin, b.cfg.HumanDelayMax
	d := lo
	if hi > lo {
		d += time.Duration(b.int64N(int64(hi - lo)))
	}
	return b.sleep(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
