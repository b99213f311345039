// Package subgraph queries the GraphQL index that mirrors the voting
// machines. The keeper uses it to confirm a proposal exists before spending
// gas on it, and to tell Join proposals apart.
package subgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	logx "execbot/pkg/logx"
)

// ErrUnavailable wraps every transport, status or GraphQL error. Callers
// treat it as transient.
var ErrUnavailable = errors.New("subgraph unavailable")

type Config struct {
	URL     string
	Timeout time.Duration
}

// Proposal is the slice of the indexed proposal the keeper needs.
type Proposal struct {
	ID             string
	Stage          string
	WinningOutcome string
	Join           bool
	Scheme         common.Address
	SchemeVersion  string
}

type Client struct {
	url string
	hc  *http.Client
	log logx.Logger
	sf  singleflight.Group
}

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url: strings.TrimSpace(cfg.URL),
		hc:  &http.Client{Timeout: timeout},
		log: log.With(logx.String("comp", "subgraph")),
	}
}

const proposalQuery = `query($id: ID!) {
  proposal(id: $id) {
    id
    stage
    winningOutcome
    join { id }
    scheme { address version }
  }
}`

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlResponse struct {
	Data struct {
		Proposal *struct {
			ID             string `json:"id"`
			Stage          string `json:"stage"`
			WinningOutcome string `json:"winningOutcome"`
			Join           *struct {
				ID string `json:"id"`
			} `json:"join"`
			Scheme *struct {
				Address string `json:"address"`
				Version string `json:"version"`
			} `json:"scheme"`
		} `json:"proposal"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Proposal looks id up. found is false when the index has no such proposal
// or maps the id to a different one. Concurrent lookups of one id share a
// request.
func (c *Client) Proposal(ctx context.Context, id common.Hash) (Proposal, bool, error) {
	key := strings.ToLower(id.Hex())
	v, err, shared := c.sf.Do(key, func() (any, error) {
		return c.lookup(ctx, key)
	})
	if shared {
		c.log.Debug("subgraph lookup shared", logx.String("proposal", key))
	}
	if err != nil {
		return Proposal{}, false, err
	}
	p := v.(*Proposal)
	if p == nil {
		return Proposal{}, false, nil
	}
	return *p, true, nil
}

func (c *Client) lookup(ctx context.Context, id string) (*Proposal, error) {
	body, err := json.Marshal(gqlRequest{Query: proposalQuery, Variables: map[string]any{"id": id}})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var out gqlResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	if len(out.Errors) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, out.Errors[0].Message)
	}
	gp := out.Data.Proposal
	if gp == nil || !strings.EqualFold(gp.ID, id) {
		return nil, nil
	}
	p := &Proposal{ID: gp.ID, Stage: gp.Stage, WinningOutcome: gp.WinningOutcome, Join: gp.Join != nil}
	if gp.Scheme != nil {
		p.Scheme = common.HexToAddress(gp.Scheme.Address)
		p.SchemeVersion = gp.Scheme.Version
	}
	return p, nil
}
