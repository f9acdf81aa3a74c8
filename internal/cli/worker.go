package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fmueller/voxqueue/internal/domain"
	"github.com/fmueller/voxqueue/internal/engine"
	"github.com/fmueller/voxqueue/internal/jobs"
	"github.com/fmueller/voxqueue/internal/postprocess"
	"github.com/fmueller/voxqueue/internal/store"
	"github.com/fmueller/voxqueue/internal/worker"
	"go.uber.org/zap"

	"github.com/spf13/cobra"
)

type workerFlags struct {
	once        bool
	batchSize   int
	concurrency int
}

type onceReport struct {
	worker.Result
	Recovered   int               `json:"recovered"`
	PostProcess postprocess.Stats `json:"postprocess"`
}

func newWorkerCmd(app *appState) *cobra.Command {
	flags := workerFlags{}
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process pending transcription jobs",
		Long: "Claim pending jobs oldest first and run each through the transcription engine,\n" +
			"retrying on CPU when the GPU attempt fails. Runs until interrupted unless --once is given.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("batch-size") {
				app.cfg.Worker.BatchSize = flags.batchSize
			}
			if cmd.Flags().Changed("concurrency") {
				app.cfg.Worker.Concurrency = flags.concurrency
			}
			return app.runWorker(cmd.Context(), flags.once)
		},
	}

	cmd.Flags().BoolVar(&flags.once, "once", false, "Process a single batch, print the results as JSON and exit")
	cmd.Flags().IntVar(&flags.batchSize, "batch-size", worker.DefaultBatchSize, "Maximum jobs claimed per poll")
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", 1, "Jobs processed in parallel")
	return cmd
}

type pipeline struct {
	store  *store.SQLite
	chain  *postprocess.Chain
	worker *worker.Worker
}

// observedProcessor calls onDone after every processed job.
type observedProcessor struct {
	worker.Processor
	onDone func()
}

func (p observedProcessor) Process(ctx context.Context, job domain.Job) jobs.Outcome {
	out := p.Processor.Process(ctx, job)
	p.onDone()
	return out
}

func (p *pipeline) close() {
	p.chain.Close()
	_ = p.store.Close()
}

func (a *appState) buildPipeline(ctx context.Context, onJobDone func()) (*pipeline, error) {
	log := a.log()

	runner, err := engine.NewRunner(a.cfg.EngineConfig(), log.Named("engine"))
	if err != nil {
		return nil, err
	}

	var speakers jobs.SpeakerResolver
	if a.cfg.PostProcess.SpeakerNames != "" {
		names, err := postprocess.LoadSpeakerNames(a.cfg.PostProcess.SpeakerNames)
		if err != nil {
			return nil, err
		}
		speakers = names
	}

	var extractors []postprocess.Extractor
	if a.cfg.PostProcess.ExtractURL != "" {
		extractor, err := postprocess.NewHTTPExtractor(postprocess.HTTPOptions{
			URL:     a.cfg.PostProcess.ExtractURL,
			Token:   a.cfg.PostProcess.ExtractToken,
			Retries: a.cfg.PostProcess.Retries,
			Logger:  log.Named("extract"),
		})
		if err != nil {
			return nil, err
		}
		extractors = append(extractors, extractor)
	}

	st, err := a.openStore()
	if err != nil {
		return nil, err
	}

	chain := postprocess.NewChain(postprocess.Options{
		Extractors: extractors,
		QueueSize:  a.cfg.PostProcess.QueueSize,
		Timeout:    a.cfg.PostProcess.Timeout,
		Logger:     log.Named("postprocess"),
	})
	if err := chain.Start(ctx, a.cfg.PostProcess.Workers); err != nil {
		_ = st.Close()
		return nil, err
	}

	manager, err := jobs.NewManager(jobs.Options{
		Store:       st,
		Executor:    engine.NewFallback(runner, log.Named("fallback")),
		OutputDir:   a.cfg.OutputDir,
		Speakers:    speakers,
		PostProcess: chain,
		Logger:      log.Named("jobs"),
	})
	if err != nil {
		chain.Close()
		_ = st.Close()
		return nil, err
	}

	var processor worker.Processor = manager
	if onJobDone != nil {
		processor = observedProcessor{Processor: manager, onDone: onJobDone}
	}

	w, err := worker.New(worker.Options{
		Store:     st,
		Processor: processor,
		Config:    a.cfg.WorkerConfig(),
		Logger:    log.Named("worker"),
	})
	if err != nil {
		chain.Close()
		_ = st.Close()
		return nil, err
	}

	return &pipeline{store: st, chain: chain, worker: w}, nil
}

func (a *appState) runWorker(ctx context.Context, once bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !once {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
	}

	var spinner *jobSpinner
	var onJobDone func()
	if once {
		spinner = startJobSpinner(a.progressEnabled(), "processing jobs")
		defer spinner.Stop()
		onJobDone = spinner.JobDone
	}

	p, err := a.buildPipeline(ctx, onJobDone)
	if err != nil {
		return err
	}
	defer p.close()

	recovered, err := p.worker.Recover(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		a.log().Warn("failed jobs interrupted by an earlier run", zap.Int("count", recovered))
	}

	if !once {
		return p.worker.Run(ctx)
	}

	result, err := p.worker.Poll(ctx)
	spinner.Stop()
	if err != nil {
		return fmt.Errorf("poll jobs: %w", err)
	}

	// Wait for queued post-processing so the counters are final.
	p.chain.Close()

	return a.printJSON(onceReport{Result: result, Recovered: recovered, PostProcess: p.chain.Stats()})
}
