package benchmark

import (
	"context"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/nvr-ai/go-yolobench/common"
	"github.com/nvr-ai/go-yolobench/config"
	"github.com/nvr-ai/go-yolobench/images"
	"github.com/nvr-ai/go-yolobench/inference"
	"github.com/nvr-ai/go-yolobench/models/postprocess"
	"github.com/nvr-ai/go-yolobench/models/region"
	"github.com/nvr-ai/go-yolobench/profiler"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Runner drives images through letterbox, inference, decode and
// suppression.
type Runner struct {
	cfg        config.Config
	log        logs.Log
	engine     inference.Engine
	name       string
	pre        *images.Preprocessor
	decoder    *region.Decoder
	suppressor *postprocess.Suppressor
	labels     []string
	prof       *profiler.Profiler
}

// NewRunner wires the pipeline components for cfg.
//
// Arguments:
//   - cfg: A validated configuration.
//   - engine: The inference engine. The runner gates it so at most one
//     submission is in flight.
//   - labels: Class labels, one per configured class.
//   - log: Logger.
//
// Returns:
//   - The runner, or a KindConfig error.
func NewRunner(cfg config.Config, engine inference.Engine, labels []string, log logs.Log) (*Runner, error) {
	if engine == nil {
		return nil, common.ConfigErrorf("no inference engine")
	}
	if len(labels) != cfg.Classes {
		return nil, common.ConfigErrorf("%d labels for %d classes", len(labels), cfg.Classes)
	}
	pre, err := images.NewPreprocessor(cfg.NetWidth, cfg.NetHeight, cfg.ColorOrder, cfg.Interpolation)
	if err != nil {
		return nil, err
	}
	decoder, err := region.NewDecoder(region.NewDecoderConfig(cfg))
	if err != nil {
		return nil, err
	}
	suppressor, err := postprocess.NewSuppressor(postprocess.NMSConfig{
		ConfThreshold: cfg.ConfThreshold,
		IoUThreshold:  cfg.NMSThreshold,
		NumWorkers:    cfg.Workers,
	})
	if err != nil {
		return nil, err
	}

	name := string(cfg.Engine)
	if n, ok := engine.(inference.Named); ok {
		name = n.Name()
	}
	return &Runner{
		cfg:        cfg,
		log:        log,
		engine:     inference.Exclusive(engine, inference.NewGate()),
		name:       name,
		pre:        pre,
		decoder:    decoder,
		suppressor: suppressor,
		labels:     labels,
		prof:       profiler.New(profiler.Options{}),
	}, nil
}

// Profiler exposes the stage timings of the runner.
func (r *Runner) Profiler() *profiler.Profiler { return r.prof }

// Run processes every entry and returns the report.
//
// Unreadable images are skipped and images whose outputs cannot be decoded
// are marked failed; both are logged and the run continues. Engine errors
// and context cancellation end the run.
func (r *Runner) Run(ctx context.Context, entries []ImageEntry) (*Report, error) {
	r.prof.Start()
	defer r.prof.Stop()

	report := &Report{
		Timestamp:  time.Now(),
		Engine:     r.name,
		Precision:  inference.PrecisionFor(r.cfg.Int8()),
		Prefix:     r.cfg.OutputPrefix(),
		BatchSize:  r.cfg.BatchSize,
		Iterations: r.cfg.Iterations,
	}
	start := time.Now()

	var err error
	if r.cfg.BatchMode == config.BatchDistinct {
		err = r.runDistinct(ctx, entries, report)
	} else {
		err = r.runReplicated(ctx, entries, report)
	}
	report.finish(time.Since(start), r.prof)
	if err != nil {
		return report, err
	}

	r.log.Infof("Inference Time: %.3f ms, with %d pictures processed", report.TotalMilliseconds(), report.Processed)
	if report.Skipped > 0 || report.Failed > 0 {
		r.log.Warnf("%d images skipped, %d failed", report.Skipped, report.Failed)
	}
	return report, nil
}

// prepare loads and letterboxes one image.
func (r *Runner) prepare(e ImageEntry) (*images.LetterboxedTensor, error) {
	done := r.prof.StartOperation(profiler.StageLoad)
	img, err := images.Load(e.Path)
	done()
	if err != nil {
		return nil, err
	}
	done = r.prof.StartOperation(profiler.StageLetterbox)
	defer done()
	return r.pre.Letterbox(img)
}

// runReplicated submits every image on its own, copied into all slots.
func (r *Runner) runReplicated(ctx context.Context, entries []ImageEntry, report *Report) error {
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		t, err := r.prepare(e)
		if err != nil {
			r.skip(report, e, err)
			continue
		}
		batch, err := images.NewReplicatedBatch(t, r.cfg.BatchSize)
		if err != nil {
			return err
		}
		res, latency, err := r.submit(ctx, batch)
		if err != nil {
			return err
		}
		r.finishSlots(report, []ImageEntry{e}, res, batch, latency)
	}
	return nil
}

// runDistinct fills each batch with different images. Images are loaded in
// parallel; unreadable ones are skipped and the batch is packed from the
// rest.
func (r *Runner) runDistinct(ctx context.Context, entries []ImageEntry, report *Report) error {
	n := r.cfg.BatchSize
	for lo := 0; lo < len(entries); lo += n {
		if err := ctx.Err(); err != nil {
			return err
		}
		group := entries[lo:min(lo+n, len(entries))]
		tensors := make([]*images.LetterboxedTensor, len(group))
		failures := make([]error, len(group))

		var g errgroup.Group
		if r.cfg.Workers > 0 {
			g.SetLimit(r.cfg.Workers)
		}
		for i := range group {
			g.Go(func() error {
				tensors[i], failures[i] = r.prepare(group[i])
				return nil
			})
		}
		g.Wait()

		var (
			ready []*images.LetterboxedTensor
			used  []ImageEntry
		)
		for i, e := range group {
			if failures[i] != nil {
				r.skip(report, e, failures[i])
				continue
			}
			ready = append(ready, tensors[i])
			used = append(used, e)
		}
		if len(ready) == 0 {
			continue
		}

		batch, err := images.NewBatch(ready, n)
		if err != nil {
			return err
		}
		res, latency, err := r.submit(ctx, batch)
		if err != nil {
			return err
		}
		r.finishSlots(report, used, res, batch, latency/time.Duration(len(used)))
	}
	return nil
}

// submit runs the warm-up submissions, then the timed iterations, and
// returns the last result with the mean latency.
func (r *Runner) submit(ctx context.Context, batch *images.Batch) (*inference.Result, time.Duration, error) {
	for i := 0; i < r.cfg.Warmup; i++ {
		if _, err := r.engine.SubmitBatch(ctx, batch); err != nil {
			return nil, 0, errors.Wrap(err, "warm-up submission failed")
		}
	}

	var (
		res   *inference.Result
		total time.Duration
	)
	for i := 0; i < r.cfg.Iterations; i++ {
		done := r.prof.StartOperation(profiler.StageInference)
		start := time.Now()
		var err error
		res, err = r.engine.SubmitBatch(ctx, batch)
		total += time.Since(start)
		done()
		if err != nil {
			return nil, 0, errors.Wrap(err, "inference failed")
		}
	}
	return res, total / time.Duration(r.cfg.Iterations), nil
}

// finishSlots decodes and suppresses one slot per entry.
func (r *Runner) finishSlots(report *Report, entries []ImageEntry, res *inference.Result, batch *images.Batch, latency time.Duration) {
	for slot, e := range entries {
		done := r.prof.StartOperation(profiler.StageDecode)
		cands, err := r.decoder.Decode(res.Outputs, batch, slot)
		done()
		if err != nil {
			r.log.Errorf("Image %s (%s): %v", e.ID, e.Path, err)
			report.add(ImageResult{ImageEntry: e, Status: StatusFailed, Error: err.Error()})
			continue
		}

		done = r.prof.StartOperation(profiler.StageSuppress)
		dets := postprocess.WithLabels(r.suppressor.Suppress(cands), r.labels)
		done()

		r.log.Infof("Image %s: %d detections, %.3f ms", e.ID, len(dets), float64(latency.Nanoseconds())/1e6)
		for _, d := range dets {
			r.log.Debugf("  %v", d)
		}
		report.add(ImageResult{ImageEntry: e, Status: StatusProcessed, Latency: latency, Detections: dets})
	}
}

func (r *Runner) skip(report *Report, e ImageEntry, err error) {
	r.log.Warnf("Skipping image %s: %v", e.Path, err)
	report.add(ImageResult{ImageEntry: e, Status: StatusSkipped, Error: err.Error()})
}
