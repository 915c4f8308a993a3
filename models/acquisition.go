// Package models defines data structures shared by the acquisition packages.
package models

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// OutcomeKind is the classified result of one attempt.
type OutcomeKind int

const (
	OutcomeNone OutcomeKind = iota
	OutcomeSuccess
	OutcomeBlocked
	OutcomeCaptcha
	OutcomeTransient
	OutcomeMalformed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeNone:
		return "none"
	case OutcomeSuccess:
		return "success"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeCaptcha:
		return "captcha_challenge"
	case OutcomeTransient:
		return "transient_error"
	case OutcomeMalformed:
		return "malformed_response"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind by name in JSON output.
func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// PayloadFormat names the structure a successful body validated as.
type PayloadFormat string

const (
	FormatJSON PayloadFormat = "json"
	FormatHTML PayloadFormat = "html"
)

// Payload is the parsed body of a successful attempt.
type Payload struct {
	Format PayloadFormat `json:"format"`
	Body   []byte        `json:"-"`
	// Data is the configured JSON sub-document, or the whole body when the
	// path is unset or missing.
	Data string `json:"data"`
}

// Outcome is exactly one classification per attempt.
type Outcome struct {
	Kind    OutcomeKind
	Payload *Payload
	// Detail carries the transient error kind (timeout, http_502, ...) or the
	// keyword that triggered a block/captcha match.
	Detail string
}

// RawResponse is what a strategy observed for one attempt. Err is set only
// when no HTTP response was obtained (transport or navigation failure).
type RawResponse struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Err        error
}

// AttemptResult is one immutable entry of the attempt log.
type AttemptResult struct {
	Attempt         int         `json:"attempt"`
	StrategyRank    int         `json:"strategy_rank"`
	StrategyName    string      `json:"strategy"`
	IdentityID      string      `json:"identity_id"`
	StatusCode      int         `json:"http_status,omitempty"`
	NavigationError string      `json:"navigation_error,omitempty"`
	BodySample      string      `json:"body_sample,omitempty"`
	ElapsedMs       int64       `json:"elapsed_ms"`
	Outcome         OutcomeKind `json:"outcome"`
	Detail          string      `json:"detail,omitempty"`
	At              time.Time   `json:"at"`
}

// AcquisitionStatus is the terminal state of one acquisition.
type AcquisitionStatus string

const (
	StatusSucceeded AcquisitionStatus = "succeeded"
	StatusExhausted AcquisitionStatus = "exhausted"
)

// ExhaustReason explains why an acquisition gave up.
type ExhaustReason string

const (
	ReasonNone              ExhaustReason = ""
	ReasonStrategies        ExhaustReason = "strategies_exhausted"
	ReasonHumanIntervention ExhaustReason = "human_intervention_required"
	ReasonAttemptBudget     ExhaustReason = "attempt_budget"
	ReasonTimeBudget        ExhaustReason = "time_budget"
	ReasonCancelled         ExhaustReason = "cancelled"
)

// AcquisitionResult is always returned by an acquisition, even on total
// exhaustion.
type AcquisitionResult struct {
	Target    Target            `json:"target"`
	Status    AcquisitionStatus `json:"status"`
	Outcome   OutcomeKind       `json:"outcome"`
	Payload   *Payload          `json:"payload,omitempty"`
	Reason    ExhaustReason     `json:"reason,omitempty"`
	Attempts  []AttemptResult   `json:"attempts"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time"`
}

// Succeeded reports whether a payload was acquired.
func (r *AcquisitionResult) Succeeded() bool {
	return r != nil && r.Status == StatusSucceeded
}

// FinalStrategy returns the name of the strategy used by the last attempt.
func (r *AcquisitionResult) FinalStrategy() string {
	if r == nil || len(r.Attempts) == 0 {
		return ""
	}
	return r.Attempts[len(r.Attempts)-1].StrategyName
}

// Step is one browser interaction performed by interactive strategies.
type Step struct {
	Action   string `yaml:"action" json:"action"` // fill, click, wait, wait_for
	Selector string `yaml:"selector" json:"selector,omitempty"`
	Value    string `yaml:"value" json:"value,omitempty"`
	// Wait is the pause for wait and the timeout for wait_for.
	Wait time.Duration `yaml:"wait" json:"wait,omitempty"`
}

// Target describes what to acquire and how the request is shaped.
type Target struct {
	ID         string            `yaml:"id" json:"id"`
	URL        string            `yaml:"url" json:"url"`
	Method     string            `yaml:"method" json:"method,omitempty"`
	LandingURL string            `yaml:"landing_url" json:"landing_url,omitempty"`
	Form       map[string]string `yaml:"form" json:"form,omitempty"`
	JSON       string            `yaml:"json" json:"json,omitempty"`
	Headers    map[string]string `yaml:"headers" json:"headers,omitempty"`
	TokenField string            `yaml:"token_field" json:"token_field,omitempty"`
	// CaptureURL selects, by substring, which network response a browser
	// strategy reports. Empty means the target URL itself.
	CaptureURL string `yaml:"capture_url" json:"capture_url,omitempty"`
	Steps      []Step `yaml:"steps" json:"steps,omitempty"`
}

// Key identifies the target for de-duplication.
func (t Target) Key() string {
	if t.ID != "" {
		return t.ID
	}
	return t.RequestMethod() + " " + t.URL
}

// RequestMethod defaults to POST when a body is configured, GET otherwise.
func (t Target) RequestMethod() string {
	if t.Method != "" {
		return strings.ToUpper(t.Method)
	}
	if len(t.Form) > 0 || t.JSON != "" {
		return http.MethodPost
	}
	return http.MethodGet
}

// Validate checks the target is addressable.
func (t Target) Validate() error {
	if t.URL == "" {
		return errors.New("target url cannot be empty")
	}
	for _, raw := range []string{t.URL, t.LandingURL} {
		if raw == "" {
			continue
		}
		parsed, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid target url: %w", err)
		}
		if parsed.Host == "" {
			return fmt.Errorf("target url %q must include a host", raw)
		}
	}
	for i, step := range t.Steps {
		switch step.Action {
		case "fill", "click", "wait_for":
			if step.Selector == "" {
				return fmt.Errorf("step %d: %s requires a selector", i, step.Action)
			}
		case "wait":
			if step.Wait < 0 {
				return fmt.Errorf("step %d: wait cannot be negative", i)
			}
		default:
			return fmt.Errorf("step %d: unknown action %q", i, step.Action)
		}
	}
	return nil
}
