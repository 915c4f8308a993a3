package strategy

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-acquire/browser"
	"github.com/aluiziolira/go-acquire/config"
	"github.com/aluiziolira/go-acquire/identity"
	"github.com/aluiziolira/go-acquire/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBrowser struct {
	page  *fakePage
	err   error
	given []identity.Identity
}

func (b *fakeBrowser) NewPage(_ context.Context, id identity.Identity) (browser.Page, error) {
	b.given = append(b.given, id)
	if b.err != nil {
		return nil, b.err
	}
	return b.page, nil
}

func (b *fakeBrowser) Close() error { return nil }

type fakePage struct {
	html     string
	navErr   error
	onLoad   []models.RawResponse
	elements map[string]*fakeElement
	evalOut  string
	evalErr  error
	// late elements only appear through WaitElement
	late map[string]*fakeElement

	mu       sync.Mutex
	handlers []func(models.RawResponse)
	visited  []string
	scripts  []string
	moves    int
	scrolls  int
	closed   bool
	waited   []time.Duration
}

func (p *fakePage) emit(raw models.RawResponse) {
	p.mu.Lock()
	handlers := append([]func(models.RawResponse){}, p.handlers...)
	p.mu.Unlock()
	for _, fn := range handlers {
		fn(raw)
	}
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.visited = append(p.visited, url)
	if p.navErr != nil {
		return p.navErr
	}
	for _, raw := range p.onLoad {
		p.emit(raw)
	}
	return nil
}

func (p *fakePage) HTML(context.Context) (string, error) { return p.html, nil }

func (p *fakePage) QueryElements(_ context.Context, selector string) ([]browser.Element, error) {
	if el, ok := p.elements[selector]; ok {
		return []browser.Element{el}, nil
	}
	return nil, nil
}

func (p *fakePage) WaitElement(_ context.Context, selector string, timeout time.Duration) (browser.Element, error) {
	p.waited = append(p.waited, timeout)
	if el, ok := p.elements[selector]; ok {
		return el, nil
	}
	if el, ok := p.late[selector]; ok {
		if p.elements == nil {
			p.elements = map[string]*fakeElement{}
		}
		p.elements[selector] = el
		return el, nil
	}
	return nil, context.DeadlineExceeded
}

func (p *fakePage) Evaluate(_ context.Context, js string) (string, error) {
	p.scripts = append(p.scripts, js)
	return p.evalOut, p.evalErr
}

func (p *fakePage) MoveMouse(context.Context, float64, float64) error {
	p.moves++
	return nil
}

func (p *fakePage) Scroll(context.Context, float64) error {
	p.scrolls++
	return nil
}

func (p *fakePage) OnResponse(fn func(models.RawResponse)) {
	p.mu.Lock()
	p.handlers = append(p.handlers, fn)
	p.mu.Unlock()
}

func (p *fakePage) Close() error {
	p.closed = true
	return nil
}

type fakeElement struct {
	page    *fakePage
	filled  string
	clicks  int
	onClick []models.RawResponse
}

func (e *fakeElement) Fill(_ context.Context, text string) error {
	e.filled = text
	return nil
}

func (e *fakeElement) Click(context.Context) error {
	e.clicks++
	for _, raw := range e.onClick {
		e.page.emit(raw)
	}
	return nil
}

func newTestBrowser(spec config.StrategySpec, driver browser.Browser) (*Browser, *[]time.Duration) {
	cfg := config.DefaultConfig()
	cfg.Browser.WaitTimeout = 20 * time.Millisecond
	b := NewBrowser(spec, cfg, driver)
	var slept []time.Duration
	b.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	b.int64N = func(n int64) int64 { return n / 2 }
	return b, &slept
}

func TestBrowserReturnsDocumentResponse(t *testing.T) {
	page := &fakePage{
		html: "<html><body>rendered</body></html>",
		onLoad: []models.RawResponse{
			{URL: portal + "/static/app.js", StatusCode: http.StatusOK, Body: []byte("js")},
			{URL: checkURL, StatusCode: http.StatusOK, Body: []byte(`{"success":true}`)},
		},
	}
	driver := &fakeBrowser{page: page}
	b, _ := newTestBrowser(config.StrategySpec{Name: "browser", Rank: 2, Interactive: true}, driver)

	sess := newSession(t)
	raw := b.Attempt(context.Background(), sess, models.Target{URL: checkURL})

	require.NoError(t, raw.Err)
	assert.Equal(t, `{"success":true}`, string(raw.Body))
	assert.Equal(t, []string{checkURL}, page.visited)
	require.Len(t, driver.given, 1)
	assert.Equal(t, testIdentity.ID, driver.given[0].ID)
	assert.True(t, page.closed)
	assert.True(t, b.Interactive())
}

func TestBrowserFallsBackToRenderedHTML(t *testing.T) {
	page := &fakePage{html: "<html><body>rendered</body></html>"}
	b, _ := newTestBrowser(config.StrategySpec{Name: "browser"}, &fakeBrowser{page: page})

	raw := b.Attempt(context.Background(), newSession(t), models.Target{URL: checkURL})

	require.NoError(t, raw.Err)
	assert.Equal(t, http.StatusOK, raw.StatusCode)
	assert.Equal(t, page.html, string(raw.Body))
}

func TestBrowserRunsStepsAndCapturesResponse(t *testing.T) {
	page := &fakePage{
		html: "<html><body><form id=q></form></body></html>",
		onLoad: []models.RawResponse{
			{URL: portal + "/search", StatusCode: http.StatusOK, Body: []byte("<html>search</html>")},
		},
	}
	address := &fakeElement{page: page}
	submit := &fakeElement{page: page, onClick: []models.RawResponse{
		{URL: portal + "/api/results?id=1", StatusCode: http.StatusOK, Body: []byte(`{"data":{"speed":"50"}}`)},
	}}
	page.elements = map[string]*fakeElement{"#address": address, "#submit": submit}

	b, slept := newTestBrowser(config.StrategySpec{Name: "browser"}, &fakeBrowser{page: page})
	raw := b.Attempt(context.Background(), newSession(t), models.Target{
		URL:        portal + "/search",
		CaptureURL: "/api/results",
		Steps: []models.Step{
			{Action: "fill", Selector: "#address", Value: "1 Main St"},
			{Action: "wait", Wait: 50 * time.Millisecond},
			{Action: "click", Selector: "#submit"},
		},
	})

	require.NoError(t, raw.Err)
	assert.Equal(t, portal+"/api/results?id=1", raw.URL)
	assert.Equal(t, `{"data":{"speed":"50"}}`, string(raw.Body))
	assert.Equal(t, "1 Main St", address.filled)
	assert.Equal(t, 1, submit.clicks)
	assert.Equal(t, []time.Duration{50 * time.Millisecond}, *slept)
}

func TestBrowserStepsIgnoreResponsesBeforeInteraction(t *testing.T) {
	page := &fakePage{
		html: "<html><body>form</body></html>",
		onLoad: []models.RawResponse{
			{URL: checkURL, StatusCode: http.StatusOK, Body: []byte("landing")},
		},
	}
	page.elements = map[string]*fakeElement{"#go": {page: page}}
	b, _ := newTestBrowser(config.StrategySpec{Name: "browser"}, &fakeBrowser{page: page})

	raw := b.Attempt(context.Background(), newSession(t), models.Target{
		URL:   checkURL,
		Steps: []models.Step{{Action: "click", Selector: "#go"}},
	})

	require.NoError(t, raw.Err)
	assert.Equal(t, page.html, string(raw.Body), "no capture after the click falls back to the rendered page")
}

func TestBrowserMissingElement(t *testing.T) {
	page := &fakePage{html: "<html></html>"}
	b, _ := newTestBrowser(config.StrategySpec{Name: "browser"}, &fakeBrowser{page: page})

	raw := b.Attempt(context.Background(), newSession(t), models.Target{
		URL:   checkURL,
		Steps: []models.Step{{Action: "click", Selector: "#missing"}},
	})

	require.Error(t, raw.Err)
	assert.Contains(t, raw.Err.Error(), "#missing")
	assert.True(t, page.closed)
}

func TestBrowserWaitsForLateElement(t *testing.T) {
	page := &fakePage{html: "<html><body><input id=address></body></html>"}
	address := &fakeElement{page: page}
	suggestion := &fakeElement{page: page, onClick: []models.RawResponse{
		{URL: checkURL, StatusCode: http.StatusOK, Body: []byte(`{"data":{"speed":"50"}}`)},
	}}
	page.elements = map[string]*fakeElement{"#address": address}
	page.late = map[string]*fakeElement{".pcaitem": suggestion}

	b, _ := newTestBrowser(config.StrategySpec{Name: "browser"}, &fakeBrowser{page: page})
	raw := b.Attempt(context.Background(), newSession(t), models.Target{
		URL: checkURL,
		Steps: []models.Step{
			{Action: "fill", Selector: "#address", Value: "1 Main St"},
			{Action: "wait_for", Selector: ".pcaitem", Wait: 3 * time.Second},
			{Action: "click", Selector: ".pcaitem"},
		},
	})

	require.NoError(t, raw.Err)
	assert.Equal(t, `{"data":{"speed":"50"}}`, string(raw.Body))
	assert.Equal(t, 1, suggestion.clicks)
	assert.Equal(t, []time.Duration{3 * time.Second}, page.waited)
}

func TestBrowserWaitForTimesOut(t *testing.T) {
	page := &fakePage{html: "<html></html>"}
	b, _ := newTestBrowser(config.StrategySpec{Name: "browser"}, &fakeBrowser{page: page})

	raw := b.Attempt(context.Background(), newSession(t), models.Target{
		URL:   checkURL,
		Steps: []models.Step{{Action: "wait_for", Selector: ".never"}},
	})

	require.Error(t, raw.Err)
	assert.ErrorIs(t, raw.Err, context.DeadlineExceeded)
	assert.Contains(t, raw.Err.Error(), ".never")
	assert.Equal(t, []time.Duration{defaultWaitFor}, page.waited)
	assert.True(t, page.closed)
}

func TestBrowserFetchesFromLandingPage(t *testing.T) {
	page := &fakePage{
		html:    `<html><body><input type="hidden" name="__RequestVerificationToken" value="tok-3"></body></html>`,
		evalOut: `{"status":200,"url":"` + checkURL + `","body":"{\"success\":true}"}`,
	}
	sess := newSession(t)
	b, _ := newTestBrowser(config.StrategySpec{Name: "browser"}, &fakeBrowser{page: page})

	raw := b.Attempt(context.Background(), sess, models.Target{
		URL:  checkURL,
		Form: map[string]string{"address": "1 Main St"},
	})

	require.NoError(t, raw.Err)
	assert.Equal(t, http.StatusOK, raw.StatusCode)
	assert.Equal(t, `{"success":true}`, string(raw.Body))
	assert.Equal(t, []string{portal + "/"}, page.visited)
	assert.Equal(t, "tok-3", sess.Token)
	require.Len(t, page.scripts, 1)
	assert.Contains(t, page.scripts[0], "tok-3")
	assert.Contains(t, page.scripts[0], "address=1+Main+St")
	assert.Contains(t, page.scripts[0], `"method":"POST"`)
}

func TestBrowserFetchError(t *testing.T) {
	page := &fakePage{html: "<html></html>", evalErr: errors.New("TypeError: Failed to fetch")}
	b, _ := newTestBrowser(config.StrategySpec{Name: "browser"}, &fakeBrowser{page: page})

	raw := b.Attempt(context.Background(), newSession(t), models.Target{
		URL:  checkURL,
		Form: map[string]string{"address": "1 Main St"},
	})

	require.Error(t, raw.Err)
	assert.Zero(t, raw.StatusCode)
}

func TestBrowserPageErrors(t *testing.T) {
	b, _ := newTestBrowser(config.StrategySpec{Name: "browser"}, &fakeBrowser{err: errors.New("chrome not running")})
	raw := b.Attempt(context.Background(), newSession(t), models.Target{URL: checkURL})
	require.Error(t, raw.Err)

	page := &fakePage{navErr: errors.New("net::ERR_CONNECTION_RESET")}
	b, _ = newTestBrowser(config.StrategySpec{Name: "browser"}, &fakeBrowser{page: page})
	raw = b.Attempt(context.Background(), newSession(t), models.Target{URL: checkURL})
	require.Error(t, raw.Err)
	assert.True(t, page.closed)
}

func TestBrowserHumanizes(t *testing.T) {
	page := &fakePage{html: "<html></html>"}
	b, slept := newTestBrowser(config.StrategySpec{Name: "human", Humanize: true}, &fakeBrowser{page: page})

	raw := b.Attempt(context.Background(), newSession(t), models.Target{URL: checkURL})

	require.NoError(t, raw.Err)
	assert.Equal(t, 2, page.moves)
	assert.Equal(t, 2, page.scrolls)
	cfg := config.DefaultConfig().Browser
	require.Len(t, *slept, 2)
	for _, d := range *slept {
		assert.GreaterOrEqual(t, d, cfg.HumanDelayMin)
		assert.LessOrEqual(t, d, cfg.HumanDelayMax)
	}
}

func TestBrowserCancelledWhileWaiting(t *testing.T) {
	page := &fakePage{html: "<html></html>"}
	page.elements = map[string]*fakeElement{"#go": {page: page}}
	b, _ := newTestBrowser(config.StrategySpec{Name: "browser"}, &fakeBrowser{page: page})
	b.cfg.WaitTimeout = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	raw := b.Attempt(ctx, newSession(t), models.Target{
		URL:   checkURL,
		Steps: []models.Step{{Action: "click", Selector: "#go"}},
	})

	require.Error(t, raw.Err)
	assert.ErrorIs(t, raw.Err, context.Canceled)
}

func TestNavigationURL(t *testing.T) {
	tests := []struct {
		name   string
		target models.Target
		want   string
	}{
		{name: "plain get", target: models.Target{URL: checkURL}, want: checkURL},
		{name: "landing wins", target: models.Target{URL: checkURL, LandingURL: portal + "/start"}, want: portal + "/start"},
		{name: "form posts start at origin", target: models.Target{URL: checkURL, Form: map[string]string{"a": "b"}}, want: portal + "/"},
		{name: "json posts start at origin", target: models.Target{URL: checkURL, JSON: `{}`}, want: portal + "/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, navigationURL(tt.target))
		})
	}
}
