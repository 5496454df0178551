package gradient

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-cds-search/internal/model"
	"github.com/withObsrvr/obsrvr-cds-search/internal/results"
	"github.com/withObsrvr/obsrvr-cds-search/internal/storage"
)

// Job runs one refinement: read prior matches, refine the selected ones per
// mask, and write them back sorted.
type Job struct {
	Aggregator *Aggregator
	Store      storage.ObjectStore
	Log        *slog.Logger
}

// Run returns the number of refined matches written. A missing or empty
// input yields zero and writes nothing.
func (j *Job) Run(ctx context.Context, params model.GradientParameters) (int, error) {
	if err := params.Validate(); err != nil {
		return 0, err
	}
	log := j.Log
	if log == nil {
		log = slog.With("component", "gradient_job")
	}

	doc, err := results.Read(ctx, j.Aggregator.loader.LoadFull, params.ResultsBucket, params.ResultsKeyNoGradScore)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("no results to refine", "bucket", params.ResultsBucket, "key", params.ResultsKeyNoGradScore)
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(doc.Results) == 0 {
		log.Warn("results are empty", "bucket", params.ResultsBucket, "key", params.ResultsKeyNoGradScore)
		return 0, nil
	}

	selections := Select(doc.Groups(), params.RankLimits())
	log.Info("begin gradient area calculations", "masks", len(selections))

	// Groups run concurrently; the aggregator pool bounds the actual work.
	g, gctx := errgroup.WithContext(ctx)
	for _, sel := range selections {
		g.Go(func() error {
			_, err := j.Aggregator.Refine(gctx, sel.Mask, sel.Matches)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var refined []*model.MatchResult
	for _, sel := range selections {
		refined = append(refined, sel.Matches...)
	}
	Sort(refined)

	out := params.ResultsKeyWithGradScore
	if out == "" {
		out = params.ResultsKeyNoGradScore
	}
	store := j.Store
	if store == nil {
		store = j.Aggregator.loader.Store()
	}
	if err := results.Write(ctx, store, params.ResultsBucket, out, results.FromMatches(refined)); err != nil {
		return 0, err
	}
	log.Info("wrote results with gradient scores", "count", len(refined), "bucket", params.ResultsBucket, "key", out)
	return len(refined), nil
}
