package scraper

import (
	"context"
	"net/http"
	"testing"

	"github.com/aluiziolira/go-acquire/config"
	"github.com/aluiziolira/go-acquire/models"
	"github.com/aluiziolira/go-acquire/strategy"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The portal rejects posts without the anti-forgery token from its landing
// page, so only the token-harvesting strategy gets through.
func TestAcquireOverHTTPIntegration(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxRotations = 1

	landing := `<html><body><form>` +
		`<input type="hidden" name="__RequestVerificationToken" value="tok-42">` +
		`</form></body></html>`

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, "https://portal.example.com/", httpmock.NewStringResponder(http.StatusOK, landing))
	transport.RegisterResponder(http.MethodPost, testTarget.URL, func(req *http.Request) (*http.Response, error) {
		if err := req.ParseForm(); err != nil {
			return httpmock.NewStringResponse(http.StatusBadRequest, err.Error()), nil
		}
		if req.PostForm.Get("__RequestVerificationToken") != "tok-42" {
			return httpmock.NewStringResponse(http.StatusForbidden, "Request blocked"), nil
		}
		if req.PostForm.Get("address") != "1 Main St" {
			return httpmock.NewStringResponse(http.StatusOK, `{"success":false}`), nil
		}
		return httpmock.NewStringResponse(http.StatusOK, `{"success":true,"data":{"speed":"50"}}`), nil
	})

	plain := strategy.NewHTTP(config.StrategySpec{Name: "plain_http", Rank: 0, Kind: config.KindHTTP, Encoding: "form"}, cfg, strategy.WithTransport(transport))
	token := strategy.NewHTTP(config.StrategySpec{Name: "token_http", Rank: 1, Kind: config.KindHTTP, HarvestToken: true}, cfg, strategy.WithTransport(transport))
	o, rec, pool := newTestOrchestrator(t, cfg, plain, token)

	target := testTarget
	target.Form = map[string]string{"address": "1 Main St"}
	result, err := o.Acquire(context.Background(), target)
	require.NoError(t, err)

	require.True(t, result.Succeeded(), "attempts: %+v", result.Attempts)
	assert.Equal(t, []int{0, 0, 1}, ranks(result))
	assert.Equal(t, "token_http", result.FinalStrategy())
	require.NotNil(t, result.Payload)
	assert.Equal(t, `{"speed":"50"}`, result.Payload.Data)

	first := result.Attempts[0]
	assert.Equal(t, http.StatusForbidden, first.StatusCode)
	assert.Equal(t, models.OutcomeBlocked, first.Outcome)
	assert.Equal(t, "Request blocked", first.BodySample)
	assert.NotEqual(t, result.Attempts[0].IdentityID, result.Attempts[1].IdentityID)
	assert.Len(t, rec.delays, 2)
	assert.Zero(t, pool.Active())
	assert.Equal(t, 3, transport.GetCallCountInfo()[http.MethodPost+" "+testTarget.URL])
}
