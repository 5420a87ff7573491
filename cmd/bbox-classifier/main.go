package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	bboxclassifier "github.com/menta2k/bbox-classifier"
	"github.com/menta2k/bbox-classifier/internal/config"
	"github.com/menta2k/bbox-classifier/internal/logging"
	"github.com/menta2k/bbox-classifier/internal/utils"
	"github.com/menta2k/bbox-classifier/pkg/annotations"
	"github.com/menta2k/bbox-classifier/pkg/imageio"
	"github.com/menta2k/bbox-classifier/pkg/review"
	"github.com/menta2k/bbox-classifier/pkg/train"
	"github.com/menta2k/bbox-classifier/pkg/types"
	"github.com/menta2k/bbox-classifier/pkg/visualize"
)

// errFailedItems makes the process exit non-zero after a batch that skipped
// some inputs.
var errFailedItems = errors.New("some items failed")

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, app *app, args []string) error
}

var commands = []command{
	{"rescale", "scale annotation boxes to the stored image resolution", runRescale},
	{"crop", "cut every box into a per-class directory", runCrop},
	{"augment", "write augmented copies of the crops", runAugment},
	{"count", "print the number of files per class", runCount},
	{"run", "rescale, crop, augment and count", runAll},
	{"train", "train the classifier on the dataloader directory", runTrain},
	{"plot", "plot a saved training history", runPlot},
	{"show", "render annotated boxes or an augmented sample", runShow},
	{"review", "ask a vision model whether crops match their class", runReview},
	{"version", "print the version", runVersion},
}

type app struct {
	cfg      *config.Config
	fs       afero.Fs
	log      *log.Logger
	pipeline *bboxclassifier.Pipeline
}

func main() {
	global := flag.NewFlagSet("bbox-classifier", flag.ExitOnError)
	configPath := global.String("config", "", "config file (json or yaml), defaults to "+config.GetConfigPath()+" when present")
	global.Usage = usage(global)
	_ = global.Parse(os.Args[1:])

	if global.NArg() == 0 {
		global.Usage()
		os.Exit(2)
	}

	name, args := global.Arg(0), global.Args()[1:]
	var cmd *command
	for i := range commands {
		if commands[i].name == name {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		global.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(config.ConfigPath(*configPath))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Logging)
	fs := afero.NewOsFs()
	a := &app{
		cfg:      cfg,
		fs:       fs,
		log:      logger,
		pipeline: bboxclassifier.New(cfg, fs, logger),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.run(ctx, a, args); err != nil {
		if errors.Is(err, errFailedItems) {
			logger.Warn("finished with failed items")
		} else {
			logger.WithError(err).Errorf("%s failed", cmd.name)
		}
		os.Exit(1)
	}
}

func usage(fs *flag.FlagSet) func() {
	return func() {
		out := fs.Output()
		fmt.Fprintf(out, "usage: %s [-config file] <command> [flags]\n\ncommands:\n", filepath.Base(os.Args[0]))
		for _, c := range commands {
			fmt.Fprintf(out, "  %-8s %s\n", c.name, c.usage)
		}
		fmt.Fprintln(out, "\nglobal flags:")
		fs.PrintDefaults()
	}
}

func checkReport(stage string, r types.Report) error {
	fmt.Printf("%s: written=%d skipped=%d failed=%d\n", stage, r.Written, r.Skipped, len(r.Failed))
	for _, f := range r.Failed {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", stage, f.Path, f.Reason)
	}
	if !r.OK() {
		return errFailedItems
	}
	return nil
}

// seedOrClock maps the 0 flag value to a time based seed
func seedOrClock(seed int64) int64 {
	if seed == 0 {
		return time.Now().UnixNano()
	}
	return seed
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func runRescale(_ context.Context, a *app, args []string) error {
	src := a.cfg.Paths.Annotations
	def := filepath.Join(filepath.Dir(src), utils.Stem(src)+"_scaled.csv")

	fl := flag.NewFlagSet("rescale", flag.ExitOnError)
	out := fl.String("out", def, "output table (.csv or .json)")
	coco := fl.String("coco", "", "read boxes from a COCO detection file instead of the table")
	_ = fl.Parse(args)

	var (
		anns []types.Annotation
		err  error
	)
	if *coco != "" {
		if anns, err = annotations.LoadCOCO(a.fs, *coco); err == nil {
			anns, err = a.pipeline.RescaleRows(anns)
		}
	} else {
		anns, err = a.pipeline.Rescale()
	}
	if err != nil {
		return err
	}
	if err := annotations.Save(a.fs, *out, anns); err != nil {
		return err
	}
	a.log.WithField("path", *out).Info("scaled table written")
	return nil
}

func runCrop(ctx context.Context, a *app, args []string) error {
	fl := flag.NewFlagSet("crop", flag.ExitOnError)
	_ = fl.Parse(args)

	report, err := a.pipeline.Crop(ctx)
	if err != nil {
		return err
	}
	return checkReport("crop", report)
}

func runAugment(ctx context.Context, a *app, args []string) error {
	fl := flag.NewFlagSet("augment", flag.ExitOnError)
	classes := fl.String("classes", "", "comma separated classes (default: config or all)")
	_ = fl.Parse(args)

	report, err := a.pipeline.Augment(ctx, splitList(*classes))
	if err != nil {
		return err
	}
	return checkReport("augment", report)
}

func runCount(_ context.Context, a *app, args []string) error {
	fl := flag.NewFlagSet("count", flag.ExitOnError)
	dir := fl.String("dir", "", "directory with one folder per class (default: augmented)")
	_ = fl.Parse(args)

	counts, err := a.pipeline.Count(*dir)
	if err != nil {
		return err
	}
	printCounts(counts)
	return nil
}

func printCounts(counts []types.ClassCount) {
	total := 0
	for _, c := range counts {
		fmt.Printf("%-24s %d\n", c.Class, c.Files)
		total += c.Files
	}
	fmt.Printf("%-24s %d\n", "total", total)
}

func runAll(ctx context.Context, a *app, args []string) error {
	fl := flag.NewFlagSet("run", flag.ExitOnError)
	_ = fl.Parse(args)

	res, err := a.pipeline.Run(ctx)
	if err != nil {
		return err
	}
	printCounts(res.Counts)

	cropErr := checkReport("crop", res.Crop)
	augErr := checkReport("augment", res.Augment)
	if cropErr != nil {
		return cropErr
	}
	return augErr
}

func runTrain(ctx context.Context, a *app, args []string) error {
	fl := flag.NewFlagSet("train", flag.ExitOnError)
	noPlot := fl.Bool("no-plot", false, "skip the training curve plots")
	_ = fl.Parse(args)

	res, err := a.pipeline.Train(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("validation loss=%.4f accuracy=%.4f (%d samples)\n",
		res.Validation.Loss, res.Validation.Accuracy, res.Validation.Count)
	fmt.Printf("best model:  %s\nfinal model: %s\nhistory:     %s\n", res.BestPath, res.FinalPath, res.HistoryPath)

	if *noPlot {
		return nil
	}
	paths, err := visualize.PlotHistory(a.fs, res.History, a.cfg.Train.ModelName, a.cfg.Paths.Plots)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Println("plot:", p)
	}
	return nil
}

func runPlot(_ context.Context, a *app, args []string) error {
	def := filepath.Join(a.cfg.Paths.Checkpoints, train.HistoryFileName(a.cfg.Train.ModelName))

	fl := flag.NewFlagSet("plot", flag.ExitOnError)
	path := fl.String("history", def, "history json written by train")
	prefix := fl.String("prefix", a.cfg.Train.ModelName, "plot title and file prefix")
	dir := fl.String("out", a.cfg.Paths.Plots, "output directory")
	_ = fl.Parse(args)

	h, err := train.ReadHistory(a.fs, *path)
	if err != nil {
		return err
	}
	paths, err := visualize.PlotHistory(a.fs, h, *prefix, *dir)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Println("plot:", p)
	}
	return nil
}

func runShow(_ context.Context, a *app, args []string) error {
	fl := flag.NewFlagSet("show", flag.ExitOnError)
	mode := fl.String("mode", "random", "random | multi | augmented")
	class := fl.String("class", "", "class to sample (random, augmented)")
	file := fl.String("file", "", "image file name (multi); random when empty")
	out := fl.String("out", "show.png", "where to write the rendered image")
	seed := fl.Int64("seed", 0, "random seed, 0 uses the clock")
	_ = fl.Parse(args)

	rng := rand.New(rand.NewSource(seedOrClock(*seed)))

	var (
		rendered image.Image
		desc     string
		err      error
	)
	switch *mode {
	case "random", "multi":
		anns, rerr := a.pipeline.Rescale()
		if rerr != nil {
			return rerr
		}
		if *mode == "random" {
			var ann types.Annotation
			rendered, ann, err = visualize.RandomAnnotated(a.fs, anns, a.cfg.Paths.RawImages, *class, rng)
			desc = fmt.Sprintf("%s #%d %s", ann.FileName, ann.IDAnn, ann.Name)
		} else {
			rendered, desc, err = visualize.MultiBox(a.fs, anns, a.cfg.Paths.RawImages, *file, rng)
		}
	case "augmented":
		if *class == "" {
			return errors.New("show -mode augmented needs -class")
		}
		rendered, desc, err = visualize.RandomAugmented(a.fs, a.cfg.Paths.Augmented, *class, rng)
	default:
		return errors.Errorf("unknown show mode %q", *mode)
	}

	if errors.Is(err, visualize.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "nothing to show: %v\n", err)
		return nil
	}
	if err != nil {
		return err
	}

	if err := imageio.New(a.fs).Save(rendered, *out, utils.GetFileExtension(*out), 95); err != nil {
		return err
	}
	fmt.Printf("%s -> %s\n", desc, *out)
	return nil
}

func runReview(ctx context.Context, a *app, args []string) error {
	rc := a.cfg.Review

	fl := flag.NewFlagSet("review", flag.ExitOnError)
	dir := fl.String("dir", a.cfg.Paths.Crops, "directory with one folder per class")
	classes := fl.String("classes", "", "comma separated classes (default: all)")
	backend := fl.String("backend", rc.Backend, "ollama | llamacpp")
	url := fl.String("url", rc.URL, "server URL (default depends on backend)")
	model := fl.String("model", rc.Model, "vision model name")
	sample := fl.Int("sample", rc.Sample, "crops per class, 0 reviews all")
	seed := fl.Int64("seed", 0, "sampling seed, 0 uses the clock")
	out := fl.String("out", "", "write verdicts as json to this file")
	_ = fl.Parse(args)

	vc, err := review.NewVisionClient(*backend, *url)
	if err != nil {
		return err
	}
	if hc, ok := vc.(interface{ Health(context.Context) error }); ok {
		if err := hc.Health(ctx); err != nil {
			return err
		}
	}
	r := review.NewReviewer(vc, a.fs, review.Options{
		MaxSide: rc.MaxSide,
		Quality: rc.Quality,
		Seed:    seedOrClock(*seed),
	}, a.log)

	names := splitList(*classes)
	if len(names) == 0 {
		if names, err = utils.ListSubdirs(a.fs, *dir); err != nil {
			return errors.Wrapf(err, "list classes in %s", *dir)
		}
	}

	var (
		all    []types.LabelVerdict
		report types.Report
	)
	for _, class := range names {
		verdicts, rep, err := r.ReviewClass(ctx, *model, *dir, class, *sample)
		report.Merge(rep)
		if err != nil {
			return err
		}
		s := review.Summarize(verdicts)
		fmt.Printf("%-24s reviewed=%d matches=%d mismatches=%d fallbacks=%d\n",
			class, s.Reviewed, s.Matches, s.Mismatches, s.Fallbacks)
		for _, v := range verdicts {
			if !v.Matches {
				fmt.Printf("  %s: looks like %q (%.2f) %s\n", v.File, v.ObservedLabel, v.Confidence, v.Reason)
			}
		}
		all = append(all, verdicts...)
	}

	if *out != "" {
		data, err := json.MarshalIndent(all, "", "  ")
		if err != nil {
			return errors.Wrap(err, "marshal verdicts")
		}
		if err := afero.WriteFile(a.fs, *out, data, 0644); err != nil {
			return errors.Wrap(err, "write verdicts")
		}
	}
	return checkReport("review", report)
}

func runVersion(context.Context, *app, []string) error {
	fmt.Println(bboxclassifier.GetVersion())
	return nil
}
