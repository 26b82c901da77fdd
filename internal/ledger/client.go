// Package ledger talks to the external payment network: it pages through
// transfers addressed to the merchant and builds transfer operations for
// customers to sign.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/punchamoorthee/tablepay/internal/domain"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// ErrQuery marks a failed network query. The caller must not advance its cursor.
var ErrQuery = errors.New("ledger query failed")

const unknownSender = "unknown"

// Query selects transfers strictly after SinceID.
type Query struct {
	SinceID int64
	Account string
	Symbols []string
	Limit   int
}

// Operation is a transfer as the network reports it. Payload is itself a JSON document.
type Operation struct {
	ID            int64    `json:"id"`
	RequiredAuths []string `json:"required_auths"`
	Payload       string   `json:"payload"`
}

type payload struct {
	To       string `json:"to"`
	Symbol   string `json:"symbol"`
	Quantity string `json:"quantity"`
	Memo     string `json:"memo"`
}

// Candidate is a parsed transfer together with its recipient, which the
// poller checks against the merchant account before persisting.
type Candidate struct {
	Record *domain.TransferRecord
	To     string
}

// Page is one query result. MaxID covers every operation in the page,
// including ones that could not be parsed.
type Page struct {
	Records []Candidate
	MaxID   int64
	Skipped int
}

// Client queries a history endpoint of the form
// GET {base}/transfers?since_id=&account=&symbol=&limit=.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

func NewClient(baseURL string, rps float64) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		now:     time.Now,
	}
}

func (c *Client) QueryTransfers(ctx context.Context, q Query) (Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Page{}, fmt.Errorf("%w: %v", ErrQuery, err)
	}

	params := url.Values{}
	params.Set("since_id", strconv.FormatInt(q.SinceID, 10))
	params.Set("account", q.Account)
	for _, s := range q.Symbols {
		params.Add("symbol", s)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/transfers?"+params.Encode(), nil)
	if err != nil {
		return Page{}, fmt.Errorf("%w: %v", ErrQuery, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("%w: %v", ErrQuery, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Page{}, fmt.Errorf("%w: status %d: %s", ErrQuery, resp.StatusCode, body)
	}

	var ops []Operation
	if err := json.NewDecoder(resp.Body).Decode(&ops); err != nil {
		return Page{}, fmt.Errorf("%w: decode: %v", ErrQuery, err)
	}
	return BuildPage(ops, c.now()), nil
}

// BuildPage parses ops observed at observedAt.
func BuildPage(ops []Operation, observedAt time.Time) Page {
	var page Page
	for _, op := range ops {
		if op.ID > page.MaxID {
			page.MaxID = op.ID
		}
		c, err := ParseOperation(op, observedAt)
		if err != nil {
			page.Skipped++
			continue
		}
		page.Records = append(page.Records, c)
	}
	return page
}

// ParseOperation converts a network operation into a transfer candidate.
// ReceivedAt is the observation time; the network's own timestamp is not used.
func ParseOperation(op Operation, observedAt time.Time) (Candidate, error) {
	var p payload
	if err := json.Unmarshal([]byte(op.Payload), &p); err != nil {
		return Candidate{}, fmt.Errorf("operation %d: payload: %w", op.ID, err)
	}
	amount, err := decimal.NewFromString(p.Quantity)
	if err != nil {
		return Candidate{}, fmt.Errorf("operation %d: %w: %q", op.ID, ErrInvalidAmount, p.Quantity)
	}
	sender := unknownSender
	if len(op.RequiredAuths) > 0 && op.RequiredAuths[0] != "" {
		sender = op.RequiredAuths[0]
	}
	rec := &domain.TransferRecord{
		ID:          op.ID,
		FromAccount: sender,
		Amount:      amount,
		TokenSymbol: p.Symbol,
		Memo:        p.Memo,
		ReceivedAt:  observedAt,
	}
	return Candidate{Record: rec, To: p.To}, nil
}
