package scraper

import (
	"bytes"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/aluiziolira/go-acquire/config"
	"github.com/aluiziolira/go-acquire/models"
	"github.com/tidwall/gjson"
)

// Classifier maps raw responses onto outcomes. All keyword and threshold
// policy lives here so strategies never judge their own responses.
type Classifier struct {
	blockKeywords   [][]byte
	captchaKeywords [][]byte
	successMarkers  [][]byte
	blockStatuses   []int
	acceptJSON      bool
	acceptHTML      bool
	minHTMLLength   int
	jsonRequirePath string
	jsonDataPath    string
}

// NewClassifier builds a classifier from cfg.
func NewClassifier(cfg *config.Config) *Classifier {
	c := &Classifier{
		blockKeywords:   lowerAll(cfg.BlockKeywords),
		captchaKeywords: lowerAll(cfg.CaptchaKeywords),
		successMarkers:  lowerAll(cfg.SuccessMarkers),
		blockStatuses:   slices.Clone(cfg.BlockStatuses),
		minHTMLLength:   cfg.MinHTMLLength,
		jsonRequirePath: cfg.JSONRequirePath,
		jsonDataPath:    cfg.JSONDataPath,
	}
	for _, format := range cfg.AcceptFormats {
		switch format {
		case "json":
			c.acceptJSON = true
		case "html":
			c.acceptHTML = true
		}
	}
	return c
}

// Classify returns exactly one outcome for raw. The first matching rule
// wins: transport failure, captcha, block, valid payload, malformed 200,
// then any other status as transient.
func (c *Classifier) Classify(raw models.RawResponse) models.Outcome {
	if raw.Err != nil {
		return models.Outcome{
			Kind:   models.OutcomeTransient,
			Detail: transportKind(classifyTransportError(raw.Err)),
		}
	}

	body := bytes.ToLower(raw.Body)
	if kw, ok := containsAny(body, c.captchaKeywords); ok {
		return models.Outcome{Kind: models.OutcomeCaptcha, Detail: kw}
	}
	if slices.Contains(c.blockStatuses, raw.StatusCode) {
		return models.Outcome{Kind: models.OutcomeBlocked, Detail: fmt.Sprintf("http_%d", raw.StatusCode)}
	}
	if kw, ok := containsAny(body, c.blockKeywords); ok {
		return models.Outcome{Kind: models.OutcomeBlocked, Detail: kw}
	}

	if raw.StatusCode == http.StatusOK {
		if payload := c.parse(raw.Body, body); payload != nil {
			return models.Outcome{Kind: models.OutcomeSuccess, Payload: payload}
		}
		return models.Outcome{Kind: models.OutcomeMalformed, Detail: "structure"}
	}
	return models.Outcome{Kind: models.OutcomeTransient, Detail: fmt.Sprintf("http_%d", raw.StatusCode)}
}

func (c *Classifier) parse(body, lowered []byte) *models.Payload {
	if c.acceptJSON && gjson.ValidBytes(body) {
		if c.jsonRequirePath != "" && !gjson.GetBytes(body, c.jsonRequirePath).Exists() {
			return nil
		}
		data := string(body)
		if c.jsonDataPath != "" {
			if sub := gjson.GetBytes(body, c.jsonDataPath); sub.Exists() {
				data = sub.Raw
			}
		}
		return &models.Payload{Format: models.FormatJSON, Body: body, Data: data}
	}

	if c.acceptHTML && len(bytes.TrimSpace(body)) >= c.minHTMLLength && isHTML(lowered) {
		if len(c.successMarkers) > 0 {
			if _, ok := containsAny(lowered, c.successMarkers); !ok {
				return nil
			}
		}
		return &models.Payload{Format: models.FormatHTML, Body: body, Data: string(body)}
	}
	return nil
}

func isHTML(lowered []byte) bool {
	return bytes.Contains(lowered, []byte("<html")) ||
		bytes.Contains(lowered, []byte("<body")) ||
		bytes.Contains(lowered, []byte("<!doctype html"))
}

func containsAny(body []byte, keywords [][]byte) (string, bool) {
	for _, kw := range keywords {
		if len(kw) > 0 && bytes.Contains(body, kw) {
			return string(kw), true
		}
	}
	return "", false
}

func lowerAll(words []string) [][]byte {
	out := make([][]byte, 0, len(words))
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		out = append(out, []byte(strings.ToLower(w)))
	}
	return out
}
