// NFA-Bayes CLI - naive-Bayes flow classifier
//
// Usage:
//
//	nfa-bayes predict 6 1500 80 80 1500
//	nfa-bayes pcap --file capture.pcap
//	nfa-bayes serve --listen :8080 --model model.yaml --watch
//	nfa-bayes model dump > model.yaml
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/cvalentine99/nfa-bayes/internal/api"
	"github.com/cvalentine99/nfa-bayes/internal/capture"
	"github.com/cvalentine99/nfa-bayes/internal/config"
	"github.com/cvalentine99/nfa-bayes/internal/logging"
	"github.com/cvalentine99/nfa-bayes/internal/metrics"
	"github.com/cvalentine99/nfa-bayes/internal/ml"
	"github.com/cvalentine99/nfa-bayes/internal/models"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "nfa-bayes",
		Usage:   "Label network flows as malicious or benign",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error) [$NFA_BAYES_LOG_LEVEL]",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log format (text, json) [$NFA_BAYES_LOG_FORMAT]",
			},
			&cli.StringFlag{
				Name:    "model",
				Aliases: []string{"m"},
				Usage:   "YAML model definition; built-in model when empty [$NFA_BAYES_MODEL]",
			},
		},

		Before: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			lc := cfg.LoggingConfig()
			lc.Output = c.App.ErrWriter
			logging.Init(lc)
			return nil
		},

		Commands: []*cli.Command{
			predictCommand(),
			pcapCommand(),
			serveCommand(),
			modelCommand(),
		},
	}
}

// loadConfig starts from the environment and applies explicit flags.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()

	if v := c.String("log-level"); c.IsSet("log-level") {
		cfg.LogLevel = v
	}
	if v := c.String("log-format"); c.IsSet("log-format") {
		cfg.LogFormat = v
	}
	if v := c.String("model"); c.IsSet("model") {
		cfg.ModelPath = v
	}
	if c.IsSet("listen") {
		cfg.ListenAddr = c.String("listen")
	}
	if c.IsSet("watch") {
		cfg.WatchModel = c.Bool("watch")
	}
	if c.IsSet("workers") {
		cfg.Workers = c.Int("workers")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newClassifier(cfg *config.Config, opts ...ml.Option) (*ml.FlowClassifier, error) {
	model, err := ml.LoadModelConfig(cfg.ModelPath)
	if err != nil {
		return nil, err
	}
	return ml.NewFlowClassifier(model, opts...)
}

// =============================================================================
// PREDICT COMMAND
// =============================================================================

func predictCommand() *cli.Command {
	return &cli.Command{
		Name:      "predict",
		Usage:     "Classify one feature vector",
		ArgsUsage: "<protocol> <size> <src-port> <dst-port> <payload-size>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "Print the prediction as JSON"},
		},
		Action: runPredict,
	}
}

func runPredict(c *cli.Context) error {
	features, err := parseFeatures(c.Args().Slice())
	if err != nil {
		return err
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	classifier, err := newClassifier(cfg)
	if err != nil {
		return err
	}

	pred, err := classifier.Predict(features)
	if err != nil {
		return err
	}

	if c.Bool("json") {
		return writeJSON(c.App.Writer, pred)
	}
	fmt.Fprintf(c.App.Writer, "%s\t%.4f\n", pred.Label, classifier.Confidence())
	return nil
}

// parseFeatures converts command-line arguments to a feature vector.
func parseFeatures(args []string) ([]float64, error) {
	if len(args) != models.FeatureCount {
		return nil, fmt.Errorf("%w: expected %d features, got %d", ml.ErrInvalidInput, models.FeatureCount, len(args))
	}
	features := make([]float64, len(args))
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s=%q is not a number", ml.ErrInvalidInput, models.FeatureNames[i], a)
		}
		features[i] = v
	}
	return features, nil
}

// =============================================================================
// PCAP COMMAND
// =============================================================================

func pcapCommand() *cli.Command {
	return &cli.Command{
		Name:  "pcap",
		Usage: "Classify every IP packet of a pcap or pcapng file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "file",
				Aliases:  []string{"f"},
				Usage:    "Capture file",
				Required: true,
			},
			&cli.IntFlag{Name: "max-packets", Usage: "Stop after this many packets (0 = all)"},
			&cli.IntFlag{Name: "workers", Usage: "Classification workers (default: CPU count)"},
			&cli.BoolFlag{Name: "all", Usage: "Print benign packets too"},
			&cli.BoolFlag{Name: "json", Usage: "Print the summary as JSON"},
		},
		Action: runPcap,
	}
}

func runPcap(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	classifier, err := newClassifier(cfg)
	if err != nil {
		return err
	}

	reader, err := capture.New(&capture.Config{
		PcapFile:   c.String("file"),
		MaxPackets: c.Int("max-packets"),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	samples, errc := reader.Samples(ctx)
	results := classifier.ClassifyStream(ctx, &ml.BatchConfig{NumWorkers: cfg.Workers, QueueSize: 256}, samples)

	summary := ml.NewSummary()
	for r := range results {
		summary.Add(r)
		if r.Err != nil {
			continue
		}
		f := r.Sample.Features
		if r.Prediction.IsMalicious() {
			logging.Debug("malicious packet",
				logging.Packet(r.Sample.SrcIP.String(), r.Sample.DstIP.String(), uint16(f.SrcPort), uint16(f.DstPort), r.Sample.ProtocolName),
				"confidence", r.Prediction.Confidence,
				"patterns", r.Prediction.Patterns,
			)
		}
		if c.Bool("json") {
			continue
		}
		if r.Prediction.IsMalicious() || c.Bool("all") {
			fmt.Fprintf(c.App.Writer, "%s\t%.4f\t%s\t%s:%d -> %s:%d\t%d bytes\n",
				r.Prediction.Label, r.Prediction.Confidence, r.Sample.ProtocolName,
				r.Sample.SrcIP, int(f.SrcPort), r.Sample.DstIP, int(f.DstPort), int(f.Size))
		}
	}
	if err := <-errc; err != nil {
		return err
	}

	stats := reader.Stats()
	logging.Info("capture analysed",
		"packets", stats.PacketsRead,
		"decoded", stats.PacketsDecoded,
		"skipped", stats.PacketsSkipped,
	)

	if c.Bool("json") {
		return writeJSON(c.App.Writer, summary)
	}
	printSummary(c.App.Writer, summary)
	return nil
}

func printSummary(w io.Writer, s *ml.Summary) {
	fmt.Fprintf(w, "\ntotal=%d malicious=%d benign=%d invalid=%d\n", s.Total, s.Malicious, s.Benign, s.Invalid)

	names := make([]string, 0, len(s.PatternHits))
	for name := range s.PatternHits {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-24s %d\n", name, s.PatternHits[name])
	}
}

// =============================================================================
// SERVE COMMAND
// =============================================================================

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the classification API and Prometheus metrics",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Aliases: []string{"l"}, Usage: "Listen address [$NFA_BAYES_LISTEN]"},
			&cli.BoolFlag{Name: "watch", Usage: "Reload the model file when it changes [$NFA_BAYES_WATCH_MODEL]"},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	m := metrics.New()
	store, err := ml.NewModelStore(cfg.ModelPath, ml.WithObserver(m))
	if err != nil {
		return err
	}
	store.OnReload(func(*ml.FlowClassifier) { m.ObserveReload(nil) })
	store.OnError(m.ObserveReload)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.WatchModel {
		go func() {
			if err := store.Watch(ctx); err != nil {
				logging.Error("model watcher stopped", logging.Err(err))
			}
		}()
	}

	return api.NewServer(store, m, logging.APILogger()).ListenAndServe(ctx, cfg.ListenAddr)
}

// =============================================================================
// MODEL COMMAND
// =============================================================================

func modelCommand() *cli.Command {
	return &cli.Command{
		Name:  "model",
		Usage: "Inspect the model",
		Subcommands: []*cli.Command{
			{
				Name:  "info",
				Usage: "Print priors, example counts, patterns and fingerprint",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					classifier, err := newClassifier(cfg)
					if err != nil {
						return err
					}
					return writeJSON(c.App.Writer, classifier.Info())
				},
			},
			{
				Name:  "dump",
				Usage: "Print the model definition as YAML",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					model, err := ml.LoadModelConfig(cfg.ModelPath)
					if err != nil {
						return err
					}
					data, err := ml.MarshalModelConfig(model)
					if err != nil {
						return err
					}
					_, err = c.App.Writer.Write(data)
					return err
				},
			},
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
