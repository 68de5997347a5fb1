// ABOUTME: Federated query coordinator fanning out across a view's readable units
// ABOUTME: Bounded concurrency, per-unit timeouts, and partial-failure reporting

package federation

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/knowbase/kbm/internal/canonical"
	"github.com/knowbase/kbm/internal/config"
	"github.com/knowbase/kbm/internal/errs"
	"github.com/knowbase/kbm/internal/unit"
	"github.com/knowbase/kbm/internal/view"
)

// Querier is the per-unit surface the coordinator fans out over.
type Querier interface {
	Query(ctx context.Context, text, mode string, topK int) ([]unit.Result, error)
	Info(ctx context.Context) (*unit.Info, error)
}

// Request is a federated query.
type Request struct {
	Text string
	Mode string
	TopK int
}

// Result is one federated hit, attributed to its source unit.
type Result struct {
	UnitID  string
	Record  *canonical.Record
	Score   float64
	Snippet string
}

// Response carries merged results plus per-unit failures. A failed unit
// never sinks the whole query; its error is reported alongside whatever
// the healthy units returned.
type Response struct {
	Results         []Result
	PartialFailures map[string]string
}

// Coordinator runs queries across every unit a view can read.
type Coordinator struct {
	units       map[string]Querier
	fanoutLimit int
	unitTimeout time.Duration
	deadline    time.Duration
	logger      *slog.Logger
}

// New creates a coordinator over the given units.
func New(units map[string]Querier, cfg config.FederationConfig, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		units:       units,
		fanoutLimit: cfg.FanoutLimit,
		unitTimeout: cfg.UnitTimeout,
		deadline:    cfg.Deadline,
		logger:      logger.With("component", "federation"),
	}
}

// Query fans the request out over v's readable units and merges the
// results: deduplicated by unit and record id, sorted by score descending
// with newer records breaking ties, truncated to TopK. An empty read set
// yields an empty response, not an error.
func (c *Coordinator) Query(ctx context.Context, v *view.View, req Request) (*Response, error) {
	if req.Text == "" {
		return nil, errs.Validation("query text must not be empty")
	}
	topK := req.TopK
	if topK <= 0 {
		topK = 10
	}

	resp := &Response{PartialFailures: make(map[string]string)}
	if len(v.Read) == 0 {
		return resp, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.fanoutLimit)

	var mu sync.Mutex
	for _, unitID := range v.Read {
		q, ok := c.units[unitID]
		if !ok {
			// View validation should make this unreachable, but a running
			// server can outlive a unit deleted from under it.
			resp.PartialFailures[unitID] = "unit not loaded"
			continue
		}

		g.Go(func() error {
			uctx, ucancel := context.WithTimeout(gctx, c.unitTimeout)
			defer ucancel()

			results, err := q.Query(uctx, req.Text, req.Mode, topK)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.logger.Warn("unit query failed", "unit", unitID, "error", err)
				resp.PartialFailures[unitID] = err.Error()
				return nil
			}
			for _, r := range results {
				resp.Results = append(resp.Results, Result{
					UnitID:  unitID,
					Record:  r.Record,
					Score:   r.Score,
					Snippet: r.Snippet,
				})
			}
			return nil
		})
	}

	// Goroutines report failures through PartialFailures, never the group.
	_ = g.Wait()

	resp.Results = mergeResults(resp.Results, topK)
	return resp, nil
}

// mergeResults deduplicates by (unit, record) id, sorts by score with
// CreatedAt breaking ties, and truncates to topK.
func mergeResults(results []Result, topK int) []Result {
	seen := make(map[[2]string]bool, len(results))
	merged := results[:0]
	for _, r := range results {
		key := [2]string{r.UnitID, r.Record.ID}
		if seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, r)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].Record.CreatedAt.After(merged[j].Record.CreatedAt)
	})

	if len(merged) > topK {
		merged = merged[:topK]
	}
	return merged
}

// UnitInfo is one unit's status within a federated info response.
type UnitInfo struct {
	Info  *unit.Info
	Error string
}

// Info aggregates per-unit status over v's readable units. Failing units
// are reported with an error note instead of sinking the aggregate.
func (c *Coordinator) Info(ctx context.Context, v *view.View) (map[string]UnitInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.fanoutLimit)

	var mu sync.Mutex
	out := make(map[string]UnitInfo, len(v.Read))

	for _, unitID := range v.Read {
		q, ok := c.units[unitID]
		if !ok {
			out[unitID] = UnitInfo{Error: "unit not loaded"}
			continue
		}
		g.Go(func() error {
			info, err := q.Info(gctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out[unitID] = UnitInfo{Error: err.Error()}
				return nil
			}
			out[unitID] = UnitInfo{Info: info}
			return nil
		})
	}

	_ = g.Wait()
	return out, nil
}
