package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-cds-search/internal/api"
	"github.com/withObsrvr/obsrvr-cds-search/internal/catalog"
	"github.com/withObsrvr/obsrvr-cds-search/internal/combiner"
	"github.com/withObsrvr/obsrvr-cds-search/internal/config"
	"github.com/withObsrvr/obsrvr-cds-search/internal/dispatch"
	"github.com/withObsrvr/obsrvr-cds-search/internal/logging"
	"github.com/withObsrvr/obsrvr-cds-search/internal/metrics"
	"github.com/withObsrvr/obsrvr-cds-search/internal/model"
	"github.com/withObsrvr/obsrvr-cds-search/internal/monitor"
	"github.com/withObsrvr/obsrvr-cds-search/internal/planner"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

const usage = `usage: cds-search <command> [flags] [input.json|-]

commands:
  plan         plan the batches of a library search
  plan-prefix  plan the batches of an object prefix
  dispatch     dispatch the batches of a plan
  batch        run one batch job
  worker       consume batch jobs from kafka
  progress     report the progress of a job
  combine      merge the batch results of a job
  refine       compute gradient scores of combined results
  search       plan, dispatch, wait for and combine a search
  serve        serve the HTTP API
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := config.MustLoad()
	log := logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	log.Info("cds search", "version", Version, "git_sha", GitSHA, "command", os.Args[1])

	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Namespace)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Info("received signal", "signal", sig.String())
		cancel()
	}()

	a, err := newApp(ctx, cfg)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}

	err = run(ctx, a, os.Args[1], os.Args[2:])
	a.Close()
	switch {
	case err == nil:
	case ctx.Err() != nil:
		log.Info("shutdown complete")
	default:
		log.Error("command failed", "command", os.Args[1], "error", err)
		if model.IsConfigError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, a *app, cmd string, args []string) error {
	switch cmd {
	case "plan":
		return runPlan(ctx, a, args)
	case "plan-prefix":
		return runPlanPrefix(ctx, a, args)
	case "dispatch":
		return runDispatch(ctx, a, args)
	case "batch":
		return runBatch(ctx, a, args)
	case "worker":
		return runWorker(ctx, a)
	case "progress":
		return runProgress(ctx, a, args)
	case "combine":
		return runCombine(ctx, a, args)
	case "refine":
		return runRefine(ctx, a, args)
	case "search":
		return runSearch(ctx, a, args)
	case "serve":
		return runServe(ctx, a)
	default:
		fmt.Fprint(os.Stderr, usage)
		return model.Configf("unknown command %q", cmd)
	}
}

func runPlan(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	jobID := fs.String("job-id", "", "job id (default: generated)")
	fs.Parse(args)

	var params model.SearchParameters
	if err := readInput(fs.Arg(0), &params); err != nil {
		return err
	}
	id := *jobID
	if id == "" {
		id = uuid.NewString()
	}
	plan, err := a.planner.PlanLibraries(ctx, id, params)
	if err != nil {
		return err
	}
	return writeOutput(plan)
}

func runPlanPrefix(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("plan-prefix", flag.ExitOnError)
	var req planner.PrefixRequest
	fs.StringVar(&req.Bucket, "bucket", "", "bucket holding the images")
	fs.StringVar(&req.Prefix, "prefix", "", "prefix of the images")
	fs.StringVar(&req.Owner, "owner", "", "owner of the search")
	fs.StringVar(&req.SearchBucket, "search-bucket", "", "bucket receiving the search metadata")
	withKeys := fs.Bool("keys", false, "list the keys of every partition")
	fs.Parse(args)

	if req.Bucket == "" || req.SearchBucket == "" {
		return model.Configf("plan-prefix requires -bucket and -search-bucket")
	}
	plan, err := a.planner.PlanPrefix(ctx, req)
	if err != nil {
		return err
	}
	type partition struct {
		model.Range
		Keys []string `json:"keys"`
	}
	var partitions []partition
	if *withKeys {
		for _, r := range plan.Metadata.Ranges {
			partitions = append(partitions, partition{Range: r, Keys: plan.BatchKeys(r)})
		}
	}
	return writeOutput(struct {
		Metadata   planner.Metadata     `json:"metadata"`
		Monitor    planner.MonitorInput `json:"monitor"`
		Partitions []partition          `json:"partitions,omitempty"`
	}{plan.Metadata, plan.Monitor, partitions})
}

func runDispatch(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("dispatch", flag.ExitOnError)
	fs.Parse(args)

	var plan planner.LibraryPlan
	if err := readInput(fs.Arg(0), &plan); err != nil {
		return err
	}
	summary, err := a.dispatch(ctx, plan.Jobs)
	if err != nil {
		return err
	}
	return writeOutput(summary)
}

func (a *app) dispatch(ctx context.Context, jobs []model.BatchJob) (dispatch.Summary, error) {
	inv, join, err := a.invoker(ctx)
	if err != nil {
		return dispatch.Summary{}, err
	}
	d, err := a.dispatcher(inv)
	if err != nil {
		return dispatch.Summary{}, err
	}
	summary, err := d.Dispatch(ctx, jobs)
	if jerr := join(); jerr != nil {
		a.log.Warn("batches failed", "error", jerr)
	}
	return summary, err
}

func runBatch(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	fs.Parse(args)

	var job model.BatchJob
	if err := readInput(fs.Arg(0), &job); err != nil {
		return err
	}
	n, err := a.batchHandler().Handle(ctx, job)
	if err != nil {
		return err
	}
	return writeOutput(map[string]int{"matches": n})
}

func runWorker(ctx context.Context, a *app) error {
	c, err := dispatch.NewConsumer(dispatch.KafkaConfig{
		Brokers:   a.cfg.Dispatch.Brokers,
		Topic:     a.cfg.Dispatch.Topic,
		GroupID:   a.cfg.Dispatch.ConsumerGroup,
		MaxRetry:  a.cfg.Dispatch.MaxRetry,
		BackoffMs: a.cfg.Dispatch.BackoffMs,
	}, a.batchHandler())
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Run(ctx)
}

func runProgress(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("progress", flag.ExitOnError)
	jobID := fs.String("job-id", "", "job id")
	batches := fs.Int("batches", 0, "expected number of batches")
	wait := fs.Bool("wait", false, "poll until the job is done")
	bucket := fs.String("bucket", "", "count batch files in this bucket instead of the task table")
	prefix := fs.String("prefix", "", "prefix of the batch files")
	fs.Parse(args)

	if *bucket != "" {
		p, err := monitor.ObjectProgress(ctx, a.store, planner.MonitorInput{Bucket: *bucket, Prefix: *prefix}, *batches)
		if err != nil {
			return err
		}
		return writeOutput(p)
	}
	if *jobID == "" {
		return model.Configf("progress requires -job-id")
	}

	started, expected := time.Now(), *batches
	if s, err := a.catalog.GetSearch(ctx, *jobID); err == nil {
		if s.Started != nil {
			started = *s.Started
		}
		if expected == 0 && s.NBatches != nil {
			expected = *s.NBatches
		}
	}

	m := a.monitor()
	var p monitor.Progress
	var err error
	if *wait {
		p, err = m.Wait(ctx, *jobID, expected, started, a.cfg.Search.Timeout, monitor.DefaultPollInterval)
	} else {
		p, err = m.Progress(ctx, *jobID, expected, started, a.cfg.Search.Timeout)
	}
	if err != nil {
		return err
	}
	return writeOutput(p)
}

func runCombine(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("combine", flag.ExitOnError)
	fs.Parse(args)

	var req combiner.Request
	if err := readInput(fs.Arg(0), &req); err != nil {
		return err
	}
	summary, err := a.combiner().Combine(ctx, req)
	if err != nil {
		return err
	}
	return writeOutput(summary)
}

func runRefine(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("refine", flag.ExitOnError)
	fs.Parse(args)

	var params model.GradientParameters
	if err := readInput(fs.Arg(0), &params); err != nil {
		return err
	}
	n, err := a.gradientJob(params).Run(ctx, params)
	if err != nil {
		return err
	}
	return writeOutput(map[string]int{"refined": n})
}

// runSearch runs a whole search: plan, dispatch, wait for the batches and
// combine their results.
func runSearch(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	interval := fs.Duration("poll", monitor.DefaultPollInterval, "progress poll interval")
	fs.Parse(args)

	var params model.SearchParameters
	if err := readInput(fs.Arg(0), &params); err != nil {
		return err
	}
	jobID := uuid.NewString()
	log := a.log.With("job_id", jobID)

	plan, err := a.planner.PlanLibraries(ctx, jobID, params)
	if err != nil {
		return err
	}
	started := time.Now().UTC()
	n := len(plan.Jobs)
	if err := a.catalog.UpdateSearch(ctx, catalog.Update{
		SearchID: jobID,
		Step:     catalog.StepInProgress,
		NBatches: &n,
		Started:  &started,
	}); err != nil {
		log.Warn("failed to record search", "error", err)
	}

	var status combiner.Status
	if _, err := a.dispatch(ctx, plan.Jobs); err != nil {
		if ctx.Err() != nil {
			return err
		}
		log.Error("dispatch failed", "error", err)
		status.FatalErrors = append(status.FatalErrors, err.Error())
	}

	if len(status.FatalErrors) == 0 {
		p, err := a.monitor().Wait(ctx, jobID, n, started, a.cfg.Search.Timeout, *interval)
		if err != nil {
			return err
		}
		status.Completed, status.WithErrors, status.TimedOut = p.Completed, p.WithErrors, p.TimedOut
	}

	summary, err := a.combiner().Combine(ctx, combiner.Request{
		JobID:             jobID,
		SearchBucket:      params.SearchBucket,
		MaxResultsPerMask: params.MaxResultsPerMask,
		Status:            status,
	})
	if err != nil {
		return err
	}
	return writeOutput(struct {
		JobID string `json:"jobId"`
		*combiner.Summary
	}{jobID, summary})
}

func runServe(ctx context.Context, a *app) error {
	inv, join, err := a.invoker(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := join(); err != nil {
			a.log.Warn("batches failed", "error", err)
		}
	}()
	d, err := a.dispatcher(inv)
	if err != nil {
		return err
	}

	srv := api.NewServer(a.planner, d, a.monitor(), a.catalog, api.Config{SearchTimeout: a.cfg.Search.Timeout})
	a.log.Info("serving api", "address", a.cfg.API.Address)
	err = api.ListenAndServe(ctx, a.cfg.API.Address, srv.Router())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// readInput decodes JSON from the named file, or stdin when name is "-" or empty.
func readInput(name string, v any) error {
	var r io.Reader = os.Stdin
	if name != "" && name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return model.Configf("open input: %v", err)
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return model.Configf("decode input: %v", err)
	}
	return nil
}

func writeOutput(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
