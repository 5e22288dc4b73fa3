package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/c360studio/semfloor/contract"
)

// maxResponseSize bounds a bridge response body.
const maxResponseSize = 10 * 1024 * 1024

// HTTPOptions configures an HTTPBroker.
type HTTPOptions struct {
	// BaseURL is the bridge root; each op POSTs to BaseURL/<op>.
	BaseURL string

	// HardTimeout bounds each call. Zero uses DefaultHardTimeout.
	HardTimeout time.Duration

	// Client overrides the HTTP client, for tests.
	Client *http.Client

	Logger *slog.Logger
}

// HTTPBroker sends work orders to a worker bridge over HTTP. Same
// wire shape as ExecBroker: the work order is the request body, the
// result is the response body.
type HTTPBroker struct {
	base    string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPBroker creates a bridge broker.
func NewHTTPBroker(opts HTTPOptions) (*HTTPBroker, error) {
	parsed, err := url.Parse(opts.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("http broker: invalid base url %q", opts.BaseURL)
	}
	timeout := opts.HardTimeout
	if timeout <= 0 {
		timeout = DefaultHardTimeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPBroker{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		timeout: timeout,
		client:  client,
		logger:  logger,
	}, nil
}

// post sends one work order and returns the bridge's body.
func (b *HTTPBroker) post(ctx context.Context, order WorkOrder) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if order.Deadline.IsZero() {
		if dl, ok := callCtx.Deadline(); ok {
			order.Deadline = dl
		}
	}
	body, err := json.Marshal(&order)
	if err != nil {
		return nil, &Error{Op: order.Op, Err: fmt.Errorf("marshal work order: %w", err)}
	}

	endpoint := b.base + "/" + string(order.Op)
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Op: order.Op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.Warn("bridge call failed", "op", string(order.Op), "task_id", order.TaskID, "error", err)
		return nil, &Error{Op: order.Op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &Error{Op: order.Op, Err: fmt.Errorf("read bridge response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{
			Op:     order.Op,
			Detail: truncate(string(data), 200),
			Err:    fmt.Errorf("bridge returned %s", resp.Status),
		}
	}
	return data, nil
}

// RunImplementer asks the bridge to produce draft submissions.
func (b *HTTPBroker) RunImplementer(ctx context.Context, c *contract.Contract) (*ImplementResult, error) {
	out, err := b.post(ctx, WorkOrder{Op: OpImplement, TaskID: c.TaskID, Contract: c})
	if err != nil {
		return nil, err
	}
	var res ImplementResult
	if err := decodeInto(OpImplement, out, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RunLocalReview runs the fast local review via the bridge; failures
// surface as a critical finding.
func (b *HTTPBroker) RunLocalReview(ctx context.Context, c *contract.Contract) (*ReviewResult, error) {
	out, err := b.post(ctx, WorkOrder{Op: OpLocalReview, TaskID: c.TaskID, Contract: c})
	if err != nil {
		return criticalReview(err), nil
	}
	var res ReviewResult
	if err := decodeInto(OpLocalReview, out, &res); err != nil {
		return criticalReview(err), nil
	}
	return &res, nil
}

// RunJudge runs the senior review via the bridge.
func (b *HTTPBroker) RunJudge(ctx context.Context, c *contract.Contract) (*JudgeResult, error) {
	out, err := b.post(ctx, WorkOrder{Op: OpJudge, TaskID: c.TaskID, Contract: c})
	if err != nil {
		return nil, err
	}
	var res JudgeResult
	if err := decodeInto(OpJudge, out, &res); err != nil {
		return nil, err
	}
	if err := validateJudge(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ValidateProposal asks the bridge to sanity-check a proposal.
func (b *HTTPBroker) ValidateProposal(ctx context.Context, proposal []byte) (*ProposalCheck, error) {
	out, err := b.post(ctx, WorkOrder{Op: OpValidateProposal, Proposal: proposal})
	if err != nil {
		return nil, err
	}
	var res ProposalCheck
	if err := decodeInto(OpValidateProposal, out, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ResolveConflict asks the bridge's arbiter to rule on a dispute.
func (b *HTTPBroker) ResolveConflict(ctx context.Context, c *contract.Contract, rebuttal, judgeReport string) (*ConflictRuling, error) {
	out, err := b.post(ctx, WorkOrder{
		Op:          OpResolveConflict,
		TaskID:      c.TaskID,
		Contract:    c,
		Rebuttal:    rebuttal,
		JudgeReport: judgeReport,
	})
	if err != nil {
		return nil, err
	}
	var res ConflictRuling
	if err := decodeInto(OpResolveConflict, out, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// interface checks
var (
	_ Broker = (*ExecBroker)(nil)
	_ Broker = (*HTTPBroker)(nil)
)
