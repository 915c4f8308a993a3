package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aluiziolira/go-acquire/config"
	"github.com/aluiziolira/go-acquire/identity"
	"github.com/aluiziolira/go-acquire/models"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Rod drives Chrome over CDP. The browser is launched (or connected to) on
// the first NewPage call and shared by all pages; every page gets its own
// browser context so cookies and proxies never leak between identities.
type Rod struct {
	cfg config.BrowserConfig

	mu       sync.Mutex
	browser  *rod.Browser
	launcher *launcher.Launcher
}

// NewRod returns a lazily started browser.
func NewRod(cfg config.BrowserConfig) *Rod {
	return &Rod{cfg: cfg}
}

func (r *Rod) connect() (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser != nil {
		return r.browser, nil
	}

	controlURL := r.cfg.ControlURL
	if controlURL == "" {
		l := launcher.New().
			Headless(r.cfg.Headless).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		r.launcher = l
		controlURL = u
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	r.browser = b
	return b, nil
}

// NewPage opens a page in a fresh browser context configured for id.
func (r *Rod) NewPage(ctx context.Context, id identity.Identity) (Page, error) {
	b, err := r.connect()
	if err != nil {
		return nil, err
	}

	res, err := proto.TargetCreateBrowserContext{
		DisposeOnDetach: true,
		ProxyServer:     id.Proxy,
	}.Call(b.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("browser context: %w", err)
	}
	scoped := *b
	scoped.BrowserContextID = res.BrowserContextID

	page, err := scoped.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = proto.TargetDisposeBrowserContext{BrowserContextID: res.BrowserContextID}.Call(b)
		return nil, fmt.Errorf("create page: %w", err)
	}
	// detach the page from the caller's context; operations pass their own
	page = page.Context(context.Background())

	p := &rodPage{browser: b, page: page, contextID: res.BrowserContextID}
	if err := p.apply(id); err != nil {
		_ = p.Close()
		return nil, err
	}
	if r.cfg.Stealth {
		// hides navigator.webdriver and fills in chrome.runtime, plugins
		// and languages before any page script runs
		if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("stealth script: %w", err)
		}
	}
	p.startCapture()
	return p, nil
}

// Close shuts the browser down and removes the launched process, if any.
func (r *Rod) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	if r.browser != nil {
		err = r.browser.Close()
		r.browser = nil
	}
	if r.launcher != nil {
		r.launcher.Kill()
		r.launcher.Cleanup()
		r.launcher = nil
	}
	return err
}

type rodPage struct {
	browser   *rod.Browser
	page      *rod.Page
	contextID proto.BrowserBrowserContextID
	stop      context.CancelFunc

	mu       sync.Mutex
	handlers []func(models.RawResponse)
}

func (p *rodPage) apply(id identity.Identity) error {
	if err := p.page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      id.UserAgent,
		AcceptLanguage: id.Headers().Get("Accept-Language"),
		Platform:       navigatorPlatform(id.Platform),
	}); err != nil {
		return fmt.Errorf("set user agent: %w", err)
	}
	if id.Viewport.Width > 0 && id.Viewport.Height > 0 {
		if err := p.page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             id.Viewport.Width,
			Height:            id.Viewport.Height,
			DeviceScaleFactor: 1,
			Mobile:            id.Platform == identity.PlatformAndroid || id.Platform == identity.PlatformIOS,
		}); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
	}
	if id.TimezoneID != "" {
		if err := (proto.EmulationSetTimezoneOverride{TimezoneID: id.TimezoneID}).Call(p.page); err != nil {
			return fmt.Errorf("set timezone: %w", err)
		}
	}
	if id.Locale != "" {
		if err := (proto.EmulationSetLocaleOverride{Locale: id.Locale}).Call(p.page); err != nil {
			return fmt.Errorf("set locale: %w", err)
		}
	}
	return nil
}

// startCapture streams finished responses, with bodies, to the registered
// handlers until the page is closed.
func (p *rodPage) startCapture() {
	ctx, cancel := context.WithCancel(context.Background())
	p.stop = cancel

	pending := make(map[proto.NetworkRequestID]*proto.NetworkResponse)
	wait := p.page.Context(ctx).EachEvent(
		func(ev *proto.NetworkResponseReceived) {
			if ev.Response != nil {
				pending[ev.RequestID] = ev.Response
			}
		},
		func(ev *proto.NetworkLoadingFinished) {
			resp, ok := pending[ev.RequestID]
			if !ok {
				return
			}
			delete(pending, ev.RequestID)

			raw := models.RawResponse{
				URL:        resp.URL,
				StatusCode: resp.Status,
				Header:     http.Header{},
			}
			for k, v := range resp.Headers {
				raw.Header.Set(k, v.Str())
			}
			body, err := proto.NetworkGetResponseBody{RequestID: ev.RequestID}.Call(p.page)
			if err != nil {
				slog.Debug("response body unavailable", slog.String("url", resp.URL), slog.Any("error", err))
			} else if body.Base64Encoded {
				if decoded, err := base64.StdEncoding.DecodeString(body.Body); err == nil {
					raw.Body = decoded
				}
			} else {
				raw.Body = []byte(body.Body)
			}
			p.emit(raw)
		},
		func(ev *proto.NetworkLoadingFailed) {
			delete(pending, ev.RequestID)
		},
	)
	go wait()
}

func (p *rodPage) emit(raw models.RawResponse) {
	p.mu.Lock()
	handlers := append([]func(models.RawResponse){}, p.handlers...)
	p.mu.Unlock()
	for _, fn := range handlers {
		fn(raw)
	}
}

func (p *rodPage) OnResponse(fn func(models.RawResponse)) {
	p.mu.Lock()
	p.handlers = append(p.handlers, fn)
	p.mu.Unlock()
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	page := p.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return err
	}
	return page.WaitLoad()
}

func (p *rodPage) HTML(ctx context.Context) (string, error) {
	return p.page.Context(ctx).HTML()
}

func (p *rodPage) QueryElements(ctx context.Context, selector string) ([]Element, error) {
	els, err := p.page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, err
	}
	out := make([]Element, 0, len(els))
	for _, el := range els {
		out = append(out, &rodElement{el: el})
	}
	return out, nil
}

func (p *rodPage) WaitElement(ctx context.Context, selector string, timeout time.Duration) (Element, error) {
	page := p.page.Context(ctx).Timeout(timeout)
	defer page.CancelTimeout()
	el, err := page.Element(selector)
	if err != nil {
		return nil, err
	}
	return &rodElement{el: el}, nil
}

func (p *rodPage) Evaluate(ctx context.Context, js string) (string, error) {
	res, err := p.page.Context(ctx).Eval(js)
	if err != nil {
		return "", err
	}
	if res.Type == proto.RuntimeRemoteObjectTypeString {
		return res.Value.Str(), nil
	}
	return res.Value.JSON("", ""), nil
}

func (p *rodPage) MoveMouse(ctx context.Context, x, y float64) error {
	return p.page.Context(ctx).Mouse.MoveLinear(proto.Point{X: x, Y: y}, 8)
}

func (p *rodPage) Scroll(ctx context.Context, dy float64) error {
	return p.page.Context(ctx).Mouse.Scroll(0, dy, 4)
}

func (p *rodPage) Close() error {
	if p.stop != nil {
		p.stop()
	}
	err := p.page.Close()
	if derr := (proto.TargetDisposeBrowserContext{BrowserContextID: p.contextID}).Call(p.browser); derr != nil && err == nil {
		err = derr
	}
	return err
}

type rodElement struct {
	el *rod.Element
}

func (e *rodElement) Fill(ctx context.Context, text string) error {
	el := e.el.Context(ctx)
	if err := el.SelectAllText(); err != nil {
		return err
	}
	return el.Input(text)
}

func (e *rodElement) Click(ctx context.Context) error {
	return e.el.Context(ctx).Click(proto.InputMouseButtonLeft, 1)
}

// navigatorPlatform is the navigator.platform value a real browser on p
// reports.
func navigatorPlatform(p identity.Platform) string {
	switch p {
	case identity.PlatformWindows:
		return "Win32"
	case identity.PlatformMacOS:
		return "MacIntel"
	case identity.PlatformLinux:
		return "Linux x86_64"
	case identity.PlatformAndroid:
		return "Linux armv8l"
	case identity.PlatformIOS:
		return "iPhone"
	default:
		return ""
	}
}
