package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bridgeServer(t *testing.T, handler http.HandlerFunc) *HTTPBroker {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	b, err := NewHTTPBroker(HTTPOptions{BaseURL: srv.URL})
	require.NoError(t, err)
	return b
}

func TestHTTPBrokerJudge(t *testing.T) {
	b := bridgeServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/run_judge", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var order WorkOrder
		require.NoError(t, json.NewDecoder(r.Body).Decode(&order))
		assert.Equal(t, OpJudge, order.Op)
		assert.False(t, order.Deadline.IsZero())

		_ = json.NewEncoder(w).Encode(JudgeResult{
			Verdict:        "FAIL",
			BlockingIssues: []string{"missing test for the error path"},
			TokensUsed:     900,
		})
	})

	res, err := b.RunJudge(context.Background(), testTask())
	require.NoError(t, err)
	assert.Equal(t, "FAIL", string(res.Verdict))
	require.Len(t, res.BlockingIssues, 1)
}

func TestHTTPBrokerNon2xxIsStructured(t *testing.T) {
	b := bridgeServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bridge overloaded", http.StatusServiceUnavailable)
	})

	_, err := b.RunJudge(context.Background(), testTask())
	var brokerErr *Error
	require.ErrorAs(t, err, &brokerErr)
	assert.Equal(t, OpJudge, brokerErr.Op)
	assert.Contains(t, brokerErr.Error(), "503")
	assert.Contains(t, brokerErr.Detail, "bridge overloaded")
}

func TestHTTPBrokerMalformedBody(t *testing.T) {
	b := bridgeServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	})

	_, err := b.RunJudge(context.Background(), testTask())
	var brokerErr *Error
	require.ErrorAs(t, err, &brokerErr)
	assert.Contains(t, brokerErr.Error(), "malformed worker output")
}

func TestHTTPBrokerLocalReviewFailureIsCritical(t *testing.T) {
	b := bridgeServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no reviewer available", http.StatusBadGateway)
	})

	res, err := b.RunLocalReview(context.Background(), testTask())
	require.NoError(t, err)
	assert.True(t, res.Critical)
	assert.False(t, res.Passed)
}

func TestHTTPBrokerValidatesBaseURL(t *testing.T) {
	_, err := NewHTTPBroker(HTTPOptions{BaseURL: "not a url"})
	assert.Error(t, err)

	_, err = NewHTTPBroker(HTTPOptions{BaseURL: ""})
	assert.Error(t, err)
}

func TestHTTPBrokerValidateProposal(t *testing.T) {
	b := bridgeServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/validate_proposal", r.URL.Path)
		_ = json.NewEncoder(w).Encode(ProposalCheck{Valid: false, Issues: []string{"title is required"}})
	})

	res, err := b.ValidateProposal(context.Background(), []byte("title:"))
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, []string{"title is required"}, res.Issues)
}
