package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	xdraw "golang.org/x/image/draw"
	"gopkg.in/yaml.v3"

	"github.com/ivlev/animaldetect/internal/batch"
	"github.com/ivlev/animaldetect/internal/bundle"
	"github.com/ivlev/animaldetect/internal/config"
	"github.com/ivlev/animaldetect/internal/detector"
	"github.com/ivlev/animaldetect/internal/faults"
	"github.com/ivlev/animaldetect/internal/geometry"
	"github.com/ivlev/animaldetect/internal/inference"
	"github.com/ivlev/animaldetect/internal/logging"
	"github.com/ivlev/animaldetect/internal/pipeline"
	"github.com/ivlev/animaldetect/internal/render"
	"github.com/ivlev/animaldetect/internal/report"
	"github.com/ivlev/animaldetect/internal/server"
	"github.com/ivlev/animaldetect/internal/source"
	"github.com/ivlev/animaldetect/internal/system"
	"github.com/ivlev/animaldetect/internal/video"
)

// setup loads the config and applies the global flags on top of it.
func setup(c *cli.Context) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if err := applyFlags(c, cfg); err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func applyFlags(c *cli.Context, cfg *config.Config) error {
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Log.Format = c.String("log-format")
	}
	if c.IsSet("models-dir") {
		cfg.ModelsDir = c.String("models-dir")
	}
	if c.IsSet("model") {
		cfg.Model = c.String("model")
	}
	if c.IsSet("remote") {
		cfg.Backend = "remote"
		cfg.RemoteURL = c.String("remote")
	}
	if c.IsSet("conf") {
		conf := float32(c.Float64("conf"))
		cfg.ConfThreshold = &conf
	}
	if c.IsSet("nms") {
		nms := float32(c.Float64("nms"))
		cfg.NMSThreshold = &nms
	}
	if c.IsSet("onnx-lib") {
		cfg.Engine.OnnxLibrary = c.String("onnx-lib")
	}
	return cfg.Validate()
}

// newDetector builds the configured detector with pool engines when local.
func newDetector(cfg *config.Config, logger logrus.FieldLogger, pool int) (detector.Detector, error) {
	if cfg.Backend == "local" {
		if err := inference.InitRuntime(cfg.Engine.OnnxLibrary); err != nil {
			return nil, fmt.Errorf("%w: onnxruntime: %v", faults.ErrEngine, err)
		}
	}
	return detector.New(cfg.Backend, detector.Options{
		ModelsDir:     cfg.ModelsDir,
		Model:         cfg.Model,
		ConfThreshold: cfg.ConfThreshold,
		NMSThreshold:  cfg.NMSThreshold,
		PoolSize:      pool,
		ONNX:          inference.ONNXOptions{IntraOpThreads: cfg.Engine.IntraOpThreads},
		RemoteURL:     cfg.RemoteURL,
		Timeout:       cfg.RemoteTimeout,
		Logger:        logger,
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func detectAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("detect needs at least one image", 2)
	}
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	det, err := newDetector(cfg, logger, 1)
	if err != nil {
		return err
	}
	defer det.Close()
	defer inference.DestroyRuntime()

	ctx, cancel := signalContext()
	defer cancel()

	results := make(map[string][]geometry.Classified)
	for _, path := range c.Args().Slice() {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		dets, err := detector.DetectBytes(ctx, det, data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		results[path] = dets

		if c.Bool("annotate") {
			out, err := annotateImage(path, data, dets)
			if err != nil {
				return err
			}
			logger.WithField("path", out).Info("annotated image written")
		}
		if !c.Bool("json") {
			printDetections(c.App.Writer, path, dets)
		}
	}

	if c.Bool("json") {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	return nil
}

func printDetections(w io.Writer, path string, dets []geometry.Classified) {
	fmt.Fprintf(w, "%s: %d detections\n", path, len(dets))
	for _, d := range dets {
		fmt.Fprintf(w, "  %-16s %.2f  [%.0f %.0f %.0f %.0f]\n", d.Label, d.Prob, d.X1, d.Y1, d.X2, d.Y2)
	}
}

// annotateImage draws dets over the image and saves it next to the input.
func annotateImage(path string, data []byte, dets []geometry.Classified) (string, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return "", err
	}
	b := img.Bounds()
	canvas := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(canvas, canvas.Bounds(), img, b.Min, xdraw.Src)
	render.Draw(canvas, dets)

	out := video.OutputPath(path)
	if !source.IsImage(out) {
		out = strings.TrimSuffix(out, filepath.Ext(out)) + ".jpg"
	}
	return out, imaging.Save(canvas, out)
}

func videoAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("video needs exactly one input", 2)
	}
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}

	in := c.Args().First()
	if fi, err := os.Stat(in); err == nil && fi.IsDir() {
		latest, err := system.FindLatestVideo(in)
		if err != nil {
			return err
		}
		logger.WithField("path", latest).Info("newest video selected")
		in = latest
	}
	out := c.String("output")
	if out == "" {
		out = video.OutputPath(in)
	}

	interval := cfg.RefreshInterval
	if c.IsSet("refresh") {
		interval = c.Int("refresh")
	}
	encoder := cfg.Video.Encoder
	if c.IsSet("encoder") {
		encoder = c.String("encoder")
	}
	if encoder == "" {
		encoder = system.GetBestH264Encoder()
	}
	quality := cfg.Video.Quality
	if c.IsSet("quality") {
		quality = c.Int("quality")
	}

	det, err := newDetector(cfg, logger, 1)
	if err != nil {
		return err
	}
	defer det.Close()
	defer inference.DestroyRuntime()

	ctx, cancel := signalContext()
	defer cancel()

	opts := videoOptions(cfg, c.String("preview"))
	opts.Encoder = video.EncoderOptions{Codec: encoder, Quality: quality}
	events, err := pipeline.ProcessVideo(ctx, in, out, interval, det, opts, logger)
	if err != nil {
		return err
	}

	progress := newProgress(logger, time.Second)
	preview := newPreviewFile(c.String("preview"), time.Second)
	var final pipeline.Event
	for ev := range events {
		if ev.Frame != nil {
			progress.frame(ev.Frame)
			if err := preview.update(ev.Frame.Preview); err != nil {
				logger.WithError(err).Warn("cannot write preview")
			}
			continue
		}
		final = ev
	}
	if final.Err != nil {
		return final.Err
	}
	fmt.Fprintf(c.App.Writer, "[+] %s: %d frames, %d detector runs in %s\n",
		out, final.Summary.Frames, final.Summary.DetectorCalls, final.Summary.Elapsed.Round(time.Millisecond))
	return nil
}

// videoOptions turns on per-frame JPEG previews when a preview file is wanted.
func videoOptions(cfg *config.Config, previewPath string) pipeline.VideoOptions {
	return pipeline.VideoOptions{
		Options: pipeline.Options{
			Preview:        previewPath != "",
			PreviewWidth:   cfg.Video.PreviewWidth,
			PreviewQuality: cfg.Video.PreviewQuality,
		},
	}
}

// previewFile replaces path with the newest preview at most once per period.
type previewFile struct {
	path   string
	period time.Duration
	last   time.Time
}

func newPreviewFile(path string, period time.Duration) *previewFile {
	return &previewFile{path: path, period: period}
}

func (p *previewFile) update(jpg []byte) error {
	if p.path == "" || len(jpg) == 0 || time.Since(p.last) < p.period {
		return nil
	}
	p.last = time.Now()
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, jpg, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, p.path)
}

// progress logs pipeline progress at most once per period.
type progress struct {
	logger logrus.FieldLogger
	period time.Duration
	last   time.Time
}

func newProgress(logger logrus.FieldLogger, period time.Duration) *progress {
	return &progress{logger: logger, period: period}
}

func (p *progress) frame(r *pipeline.FrameResult) {
	if time.Since(p.last) < p.period {
		return
	}
	p.last = time.Now()
	fields := logrus.Fields{"frame": r.Index, "detections": len(r.Detections)}
	if r.TotalKnown && r.Total > 0 {
		fields["percent"] = fmt.Sprintf("%.1f", float64(r.Index)*100/float64(r.Total))
	}
	p.logger.WithFields(fields).Info("progress")
}

func batchAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("batch needs exactly one path", 2)
	}
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}

	path := c.Args().First()
	src, err := source.Open(path, c.Int("dpi"))
	if err != nil {
		return err
	}
	defer src.Close()
	if src.Len() == 0 {
		return fmt.Errorf("no images in %s", path)
	}

	workers := c.Int("workers")
	if workers < 1 {
		workers = system.DefaultPoolSize(system.ReadHostStats())
	}
	pool := workers
	if cfg.Engine.PoolSize > 0 {
		pool = cfg.Engine.PoolSize
	}
	if cfg.Backend == "remote" {
		pool = 1
	}

	det, err := newDetector(cfg, logger, pool)
	if err != nil {
		return err
	}
	defer det.Close()
	defer inference.DestroyRuntime()

	ctx, cancel := signalContext()
	defer cancel()

	r, err := batch.Run(ctx, src, det, batch.Options{
		Workers:    workers,
		SourceName: path,
		Model:      modelName(det, cfg),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	if err := report.Write(r, c.String("report")); err != nil {
		return err
	}

	printSummary(c.App.Writer, r, c.String("report"))
	return nil
}

func printSummary(w io.Writer, r *report.Report, path string) {
	fmt.Fprintf(w, "[+] %d images, %d failed, %d detections -> %s\n",
		r.Summary.Images, r.Summary.Failed, r.Summary.Detections, path)
	for _, label := range r.Summary.Labels() {
		fmt.Fprintf(w, "  %-16s %d\n", label, r.Summary.PerLabel[label])
	}
}

// reportAction prints the summary of a saved batch report, optionally with
// the failed images.
func reportAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("report needs a report file", 2)
	}
	path := c.Args().First()
	r, err := report.Read(path)
	if err != nil {
		return err
	}
	r.Summarize()
	printSummary(c.App.Writer, r, path)
	if c.Bool("failed") {
		for _, e := range r.Entries {
			if e.Error != "" {
				fmt.Fprintf(c.App.Writer, "  ! %s [%s] %s\n", e.Name, e.Kind, e.Error)
			}
		}
	}
	return nil
}

func modelName(det detector.Detector, cfg *config.Config) string {
	if m, ok := det.(interface{ Metadata() bundle.Metadata }); ok {
		return m.Metadata().Name
	}
	if cfg.Backend == "remote" {
		return cfg.RemoteURL
	}
	return cfg.Model
}

func modelsAction(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}

	var infos []bundle.Info
	if cfg.Backend == "remote" {
		remote := detector.NewRemote(cfg.RemoteURL, detector.RemoteOptions{Timeout: cfg.RemoteTimeout, Logger: logger})
		defer remote.Close()
		infos, err = remote.Models(c.Context)
	} else {
		infos, err = bundle.Enumerate(cfg.ModelsDir, logger)
	}
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tTASK\tINPUT\tCLASSES\tFILE")
	for _, info := range infos {
		m := info.Metadata
		fmt.Fprintf(tw, "%s\t%g\t%s\t%dx%d\t%d\t%s\n",
			m.Name, m.Version, m.Task, m.InputWidth, m.InputHeight, m.NumClasses, filepath.Base(info.Path))
	}
	return tw.Flush()
}

func bundlePackAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("bundle pack needs a manifest", 2)
	}
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	m, err := bundle.LoadManifest(c.Args().First())
	if err != nil {
		return err
	}
	out := c.String("output")
	if out == "" {
		out = filepath.Join(cfg.ModelsDir, m.Name+bundle.Ext)
	}
	if err := m.Pack(out); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{"model": m.Name, "path": out}).Info("bundle written")
	return nil
}

func bundleInspectAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("bundle inspect needs a bundle path", 2)
	}
	meta, err := bundle.ReadMetadata(c.Args().First())
	if err != nil {
		return err
	}
	return yaml.NewEncoder(c.App.Writer).Encode(meta)
}

func serveAction(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	if c.IsSet("host") {
		cfg.Server.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	system.InitResourceLimits(logger)

	stats := system.ReadHostStats()
	pool := cfg.Engine.PoolSize
	if c.IsSet("pool") {
		pool = c.Int("pool")
	}
	if pool < 1 {
		pool = system.DefaultPoolSize(stats)
	}
	logger.WithFields(logrus.Fields{
		"cpus":          stats.LogicalCPUs,
		"mem_available": stats.MemAvailable,
		"pool":          pool,
	}).Info("host resources")

	det, err := newDetector(cfg, logger, pool)
	if err != nil {
		return err
	}
	defer det.Close()
	defer inference.DestroyRuntime()

	srv := server.New(det, server.Options{
		ModelsDir: cfg.ModelsDir,
		Mode:      cfg.Server.Mode,
		Logger:    logger,
	})

	url := fmt.Sprintf("http://%s:%d", displayHost(cfg.Server.Host), cfg.Server.Port)
	fmt.Fprintf(c.App.Writer, "[*] API: %s/api/v1/detect\n", url)
	if !c.Bool("no-qr") {
		qr, err := terminalQR(url)
		if err != nil {
			logger.WithError(err).Warn("cannot render QR code")
		} else {
			fmt.Fprint(c.App.Writer, qr)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()
	return srv.Run(ctx, cfg.Addr())
}
