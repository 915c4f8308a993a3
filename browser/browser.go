// Package browser defines the headless browser capability used by
// interactive strategies and a go-rod implementation of it.
package browser

import (
	"context"
	"time"

	"github.com/aluiziolira/go-acquire/identity"
	"github.com/aluiziolira/go-acquire/models"
)

// Browser opens isolated pages presenting a given identity.
type Browser interface {
	NewPage(ctx context.Context, id identity.Identity) (Page, error)
	Close() error
}

// Page is one isolated tab. Pages must be closed by their opener.
type Page interface {
	Navigate(ctx context.Context, url string) error
	HTML(ctx context.Context) (string, error)
	QueryElements(ctx context.Context, selector string) ([]Element, error)
	// WaitElement blocks until selector matches or timeout passes.
	WaitElement(ctx context.Context, selector string, timeout time.Duration) (Element, error)
	Evaluate(ctx context.Context, js string) (string, error)
	MoveMouse(ctx context.Context, x, y float64) error
	Scroll(ctx context.Context, dy float64) error
	// OnResponse registers a callback for every network response the page
	// receives, body included.
	OnResponse(fn func(models.RawResponse))
	Close() error
}

// Element is a DOM node returned by QueryElements.
type Element interface {
	Fill(ctx context.Context, text string) error
	Click(ctx context.Context) error
}
