// Package search reads papers and stored solutions from Meilisearch.
package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/meilisearch/meilisearch-go"

	"github.com/H1yori233/innoweaver/internal/capability"
	"github.com/H1yori233/innoweaver/internal/logger"
	"github.com/H1yori233/innoweaver/internal/task"
)

// Config holds index client settings
type Config struct {
	Host          string
	APIKey        string
	PaperIndex    string
	SolutionIndex string
	Limit         int
	Timeout       time.Duration
	Logger        *logger.Logger
}

// Client implements capability.Searcher, PaperLookup and SolutionLookup
type Client struct {
	meili         meilisearch.ServiceManager
	paperIndex    string
	solutionIndex string
	limit         int
	logger        *logger.Logger
}

var (
	_ capability.Searcher       = (*Client)(nil)
	_ capability.PaperLookup    = (*Client)(nil)
	_ capability.SolutionLookup = (*Client)(nil)
)

// NewClient creates an index client
func NewClient(cfg Config) *Client {
	if cfg.PaperIndex == "" {
		cfg.PaperIndex = "paper_id"
	}
	if cfg.SolutionIndex == "" {
		cfg.SolutionIndex = "solution_id"
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	opts := []meilisearch.Option{meilisearch.WithCustomClient(&http.Client{Timeout: cfg.Timeout})}
	if cfg.APIKey != "" {
		opts = append(opts, meilisearch.WithAPIKey(cfg.APIKey))
	}

	return &Client{
		meili:         meilisearch.New(strings.TrimRight(cfg.Host, "/"), opts...),
		paperIndex:    cfg.PaperIndex,
		solutionIndex: cfg.SolutionIndex,
		limit:         cfg.Limit,
		logger:        cfg.Logger.WithComponent("search"),
	}
}

// Search queries the paper index
func (c *Client) Search(ctx context.Context, terms string) ([]task.Document, error) {
	resp, err := c.meili.Index(c.paperIndex).SearchWithContext(ctx, terms, &meilisearch.SearchRequest{
		Limit: int64(c.limit),
	})
	if err != nil {
		return nil, wrapError(err, "search "+c.paperIndex)
	}

	hits := make([]task.Document, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		doc, ok := hit.(map[string]interface{})
		if !ok {
			c.logger.Warn("Skipping malformed search hit", logger.Fields{
				"index": c.paperIndex,
				"type":  fmt.Sprintf("%T", hit),
			})
			continue
		}
		hits = append(hits, task.Document(doc))
	}

	c.logger.Debug("Search completed", logger.Fields{
		"terms": terms,
		"hits":  len(hits),
	})
	return hits, nil
}

// LookupPaper fetches a paper document
func (c *Client) LookupPaper(ctx context.Context, id string) (task.Document, error) {
	return c.document(ctx, c.paperIndex, id)
}

// LookupSolution fetches a stored solution document
func (c *Client) LookupSolution(ctx context.Context, id string) (task.Document, error) {
	return c.document(ctx, c.solutionIndex, id)
}

func (c *Client) document(ctx context.Context, index, id string) (task.Document, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", capability.ErrNotFound)
	}

	var doc task.Document
	if err := c.meili.Index(index).GetDocumentWithContext(ctx, id, nil, &doc); err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s/%s", capability.ErrNotFound, index, id)
		}
		return nil, wrapError(err, "lookup "+index+"/"+id)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s/%s", capability.ErrNotFound, index, id)
	}
	return doc, nil
}

// statusOf returns the HTTP status of a Meilisearch API error, or 0
func statusOf(err error) int {
	var merr *meilisearch.Error
	if errors.As(err, &merr) {
		return merr.StatusCode
	}
	return 0
}

// wrapError keeps the status code of Meilisearch API errors in the message
func wrapError(err error, op string) error {
	if status := statusOf(err); status != 0 {
		return fmt.Errorf("%s failed with status %d: %w", op, status, err)
	}
	return fmt.Errorf("%s failed: %w", op, err)
}
