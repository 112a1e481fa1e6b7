// Package search queries an external vector store for document snippets
// relevant to a free-text query. Results feed assistant context; the store
// itself never depends on this package.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"merakstore/pkg/logger"
)

// Searcher is the single seam the HTTP layer uses; tests swap in fakes.
type Searcher interface {
	Search(ctx context.Context, q Query) (Response, error)
}

// Filter is a vector store attribute filter: a comparison (eq, in, lte,
// gte) or a compound (and) over nested filters.
type Filter struct {
	Type    string      `json:"type"`
	Key     string      `json:"key,omitempty"`
	Value   interface{} `json:"value,omitempty"`
	Filters []Filter    `json:"filters,omitempty"`
}

func Eq(key string, value interface{}) Filter  { return Filter{Type: "eq", Key: key, Value: value} }
func In(key string, values []string) Filter    { return Filter{Type: "in", Key: key, Value: values} }
func Lte(key string, value interface{}) Filter { return Filter{Type: "lte", Key: key, Value: value} }
func Gte(key string, value interface{}) Filter { return Filter{Type: "gte", Key: key, Value: value} }
func And(filters ...Filter) Filter             { return Filter{Type: "and", Filters: filters} }

// Query is one search request.
type Query struct {
	Query      string  `json:"query"`
	MaxResults int     `json:"max_results,omitempty"`
	Filters    *Filter `json:"filters,omitempty"`
}

// Snippet is one scored text hit.
type Snippet struct {
	FileID     string                 `json:"file_id"`
	Filename   string                 `json:"filename"`
	Score      float64                `json:"score"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	Text       string                 `json:"text"`
}

// Response carries the hits plus a count of content parts the store
// returned in a form we cannot render as text. A non-zero OmittedContent
// tells the caller results are partial, not that the search failed.
type Response struct {
	Results        []Snippet `json:"results"`
	OmittedContent int       `json:"omitted_content"`
}

// Options configures the client.
type Options struct {
	APIKey         string
	BaseURL        string
	VectorStoreID  string
	ScoreThreshold float64
}

// Client talks to the vector store search endpoint.
type Client struct {
	http *http.Client
	opts Options
}

const defaultBaseURL = "https://api.openai.com/v1"

// NewClient builds a search client. Callers that find APIKey or
// VectorStoreID empty should not construct one; a nil Searcher means
// search is not configured.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	return &Client{
		http: &http.Client{Timeout: 30 * time.Second},
		opts: opts,
	}
}

type wireRequest struct {
	Query          string         `json:"query"`
	MaxNumResults  int            `json:"max_num_results,omitempty"`
	Filters        *Filter        `json:"filters,omitempty"`
	RankingOptions map[string]any `json:"ranking_options,omitempty"`
}

type wireContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wireHit struct {
	FileID     string                 `json:"file_id"`
	Filename   string                 `json:"filename"`
	Score      float64                `json:"score"`
	Attributes map[string]interface{} `json:"attributes"`
	Content    []wireContent          `json:"content"`
}

type wireResponse struct {
	Data []wireHit `json:"data"`
}

func (c *Client) Search(ctx context.Context, q Query) (Response, error) {
	req := wireRequest{
		Query:         q.Query,
		MaxNumResults: q.MaxResults,
		Filters:       q.Filters,
	}
	if c.opts.ScoreThreshold > 0 {
		req.RankingOptions = map[string]any{"score_threshold": c.opts.ScoreThreshold}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode search request: %w", err)
	}
	url := fmt.Sprintf("%s/vector_stores/%s/search", c.opts.BaseURL, c.opts.VectorStoreID)

	var raw []byte
	delay := 100 * time.Millisecond
	for attempt := 0; ; attempt++ {
		raw, err = c.post(ctx, url, body)
		if err == nil || attempt == 2 || !retriable(err) {
			break
		}
		logger.Warn("search_retry", zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	if err != nil {
		return Response{}, err
	}

	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Response{}, fmt.Errorf("decode search response: %w", err)
	}
	out := Response{Results: []Snippet{}}
	for _, hit := range wire.Data {
		text := ""
		for _, part := range hit.Content {
			if part.Type == "text" {
				if text != "" {
					text += "\n"
				}
				text += part.Text
			} else {
				out.OmittedContent++
			}
		}
		out.Results = append(out.Results, Snippet{
			FileID:     hit.FileID,
			Filename:   hit.Filename,
			Score:      hit.Score,
			Attributes: hit.Attributes,
			Text:       text,
		})
	}
	return out, nil
}

// statusError marks HTTP-level failures so retriable can tell server
// errors from client mistakes.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("vector store returned %d: %s", e.code, e.body)
}

func retriable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// transport-level failure
	return true
}

func (c *Client) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode, body: truncate(string(raw), 256)}
	}
	return raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
