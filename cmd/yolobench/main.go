package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/nvr-ai/go-yolobench/benchmark"
	"github.com/nvr-ai/go-yolobench/common"
	"github.com/nvr-ai/go-yolobench/config"
	"github.com/nvr-ai/go-yolobench/inference/backends"
	"github.com/nvr-ai/go-yolobench/inference/layers"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

// fail logs a startup or run error with its kind and exits with status 1.
func fail(log logs.Log, what string, err error) {
	log.Errorf("%v: %v error: %v", what, common.KindOf(err), err)
	os.Exit(1)
}

func main() {
	logger, err := logs.NewLog()
	check(err)

	parser := argparse.NewParser("yolobench", "Benchmark a YOLOv3 region detector over an image list")
	configFile := parser.String("c", "config", &argparse.Options{Help: "YAML configuration file"})
	engine := parser.Selector("e", "engine", []string{"onnx", "opencv", "synthetic"}, &argparse.Options{Help: "Inference backend"})
	device := parser.Int("d", "device", &argparse.Options{Help: "Accelerator device index", Default: -1})
	batch := parser.Int("b", "batch", &argparse.Options{Help: "Batch size", Default: 0})
	iterations := parser.Int("n", "iterations", &argparse.Options{Help: "Timed iterations per batch", Default: 0})
	warmup := parser.Int("w", "warmup", &argparse.Options{Help: "Untimed warm-up iterations per batch", Default: -1})
	nms := parser.Float("", "nms", &argparse.Options{Help: "NMS IoU threshold", Default: 0.0})
	conf := parser.Float("", "conf", &argparse.Options{Help: "Confidence threshold", Default: 0.0})
	classMode := parser.Selector("", "class-mode", []string{"independent", "exclusive"}, &argparse.Options{Help: "Class score activation"})
	imageList := parser.String("i", "images", &argparse.Options{Help: "Image list file, one path per line"})
	deploy := parser.String("", "deploy", &argparse.Options{Help: "Network definition (darknet cfg or caffe prototxt)"})
	model := parser.String("m", "model", &argparse.Options{Help: "Model weights (.onnx, .weights or .caffemodel)"})
	mean := parser.String("", "mean", &argparse.Options{Help: "Legacy mean file"})
	labels := parser.String("l", "labels", &argparse.Options{Help: "Label file, one class per line"})
	cali := parser.String("", "cali", &argparse.Options{Help: "INT8 calibration table"})
	out := parser.String("o", "out", &argparse.Options{Help: "Output directory"})
	err = parser.Parse(os.Args)
	if err != nil {
		logger.Errorf(parser.Usage(err))
		os.Exit(1)
	}

	opts := []config.Option{config.WithInputs(*imageList, *labels, *deploy, *model, *mean, *cali)}
	if *engine != "" {
		opts = append(opts, config.WithEngine(config.Backend(*engine)))
	}
	if *device >= 0 {
		opts = append(opts, config.WithDevice(*device))
	}
	if *batch != 0 {
		opts = append(opts, config.WithBatchSize(*batch))
	}
	if *iterations != 0 {
		opts = append(opts, config.WithIterations(*iterations))
	}
	if *warmup >= 0 {
		opts = append(opts, config.WithWarmup(*warmup))
	}
	if *nms != 0 {
		opts = append(opts, config.WithNMSThreshold(float32(*nms)))
	}
	if *conf != 0 {
		opts = append(opts, config.WithConfThreshold(float32(*conf)))
	}
	if *classMode != "" {
		opts = append(opts, config.WithClassMode(config.ClassMode(*classMode)))
	}
	if *out != "" {
		opts = append(opts, config.WithOutputDir(*out))
	}

	cfg, err := config.Load(*configFile, opts...)
	if err != nil {
		fail(logger, "Invalid configuration", err)
	}

	classLabels, err := benchmark.ReadLabels(cfg.LabelFile, cfg.Classes)
	if err != nil {
		fail(logger, "Failed to read labels", err)
	}
	entries, err := benchmark.ReadImageList(cfg.ImageList)
	if err != nil {
		fail(logger, "Failed to read image list", err)
	}
	if err := benchmark.CheckCalibration(cfg.Calibration); err != nil {
		fail(logger, "Failed to open calibration table", err)
	}
	benchmark.CheckMean(cfg.MeanFile, logger)

	e, err := backends.NewEngineBuilder(logger).
		WithConfig(cfg).
		WithRegistry(layers.NewBuiltinRegistry()).
		Build()
	if err != nil {
		fail(logger, "Failed to create inference engine", err)
	}
	defer e.Close()

	runner, err := benchmark.NewRunner(cfg, e, classLabels, logger)
	if err != nil {
		e.Close()
		fail(logger, "Failed to create runner", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Infof("Running %d images, batch %d (%s), %d iterations, %d warm-up", len(entries), cfg.BatchSize, cfg.BatchMode, cfg.Iterations, cfg.Warmup)
	report, err := runner.Run(ctx, entries)
	if err != nil {
		e.Close()
		fail(logger, "Benchmark aborted", err)
	}
	runner.Profiler().Report(logger)

	writer, err := benchmark.NewWriter(cfg.OutputDir, classLabels, logger)
	if err == nil {
		err = writer.Write(report)
	}
	if err != nil {
		e.Close()
		fail(logger, "Failed to write results", err)
	}
}
