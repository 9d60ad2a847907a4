package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"mdetruth/pkg/annotate"
	"mdetruth/pkg/config"
	"mdetruth/pkg/layout"
	"mdetruth/pkg/ledger"
	"mdetruth/pkg/logging"
	"mdetruth/pkg/match"
	"mdetruth/pkg/ocr"
	"mdetruth/pkg/review"
	"mdetruth/pkg/session"
	"mdetruth/pkg/triage"
	"mdetruth/pkg/truth"
)

type reviewFlags struct {
	watch bool
	addr  string
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	var rf reviewFlags

	cmd := &cobra.Command{
		Use:   "mdetruth",
		Short: "Review instrument display screenshots and author OCR ground truth",
		Long: `mdetruth walks a folder of instrument display screenshots, matches each one
to a display template, shows the stored values in a local web page for
correction, saves corrected field crops as ground truth and files every
screenshot into an outcome folder.

Running without a subcommand starts a review session.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
		},
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReview(cmd.Context(), cfgPath, rf)
		},
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", config.DefaultFile, "config file (ini, yaml, json, toml)")
	addReviewFlags(cmd, &rf)

	cmd.AddCommand(
		newReviewCmd(&cfgPath),
		newReportCmd(&cfgPath),
		newExportCmd(&cfgPath),
		newMigrateCmd(&cfgPath),
		newInspectCmd(&cfgPath),
	)
	return cmd
}

func addReviewFlags(cmd *cobra.Command, rf *reviewFlags) {
	cmd.Flags().BoolVarP(&rf.watch, "watch", "w", false, "keep running and review new screenshots as they arrive")
	cmd.Flags().StringVar(&rf.addr, "addr", "", "listen address of the review page (overrides [Review] addr)")
}

func newReviewCmd(cfgPath *string) *cobra.Command {
	var rf reviewFlags
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Start a review session (default)",
		Example: `  # review everything under img_dir, then exit
  mdetruth review --config config.ini

  # keep reviewing new screenshots as they are captured
  mdetruth review --watch --addr 127.0.0.1:9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReview(cmd.Context(), *cfgPath, rf)
		},
	}
	addReviewFlags(cmd, &rf)
	return cmd
}

// setup loads the config and installs the logger.
func setup(cfgPath string) (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, nil, err
	}
	log, closer, err := logging.Setup(cfg.Review.LogLevel, cfg.Review.LogFile)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, func() { _ = closer.Close() }, nil
}

func runReview(ctx context.Context, cfgPath string, rf reviewFlags) error {
	cfg, log, done, err := setup(cfgPath)
	if err != nil {
		return err
	}
	defer done()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	resolver, err := layout.NewResolver(cfg.LayoutFile())
	if err != nil {
		return err
	}
	def, err := resolver.Definition()
	if err != nil {
		return err
	}
	matcher, err := match.New(def.TemplateFiles(cfg.TemplatesDir()), cfg.Review.MatchMaxDistance, log)
	if err != nil {
		return fmt.Errorf("templates in %s: %w", cfg.TemplatesDir(), err)
	}

	surface := review.New(review.Options{
		DisplayWidth:  cfg.Review.DisplayWidth,
		DisplayHeight: cfg.Review.DisplayHeight,
		Logger:        log,
	})
	writer := truth.NewWriter(cfg.GroundTruthDir(), log)
	deps := session.Deps{
		Records:   store,
		Matcher:   matcher,
		Layout:    resolver,
		Surface:   surface,
		Writer:    writer,
		Mover:     triage.NewMover(cfg.Paths.ImgDir, log),
		Annotator: annotate.Annotator{},
		Logger:    log,
	}
	led, err := openLedger(cfg, log)
	if err != nil {
		return err
	}
	if led != nil {
		defer led.Close()
		deps.Ledger = led
	}
	if cfg.OCRHints() {
		h, err := ocr.NewHinter("", log)
		if err != nil {
			return err
		}
		defer h.Close()
		deps.Hinter = h
	}

	ctrl, err := session.New(deps, session.Options{Labeled: cfg.Labeled(), TSPattern: cfg.Review.TSPattern})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		images []session.ImageRecord
		stream <-chan session.ImageRecord
		found  int
	)
	if rf.watch {
		stream, found, err = session.NewWatcher(cfg.Paths.ImgDir, ctrl.Parser(), log, writer.Dir()).Stream(ctx)
	} else {
		images, err = session.Scan(cfg.Paths.ImgDir, ctrl.Parser(), writer.Dir())
		found = len(images)
	}
	if err != nil {
		return fmt.Errorf("images in %s: %w", cfg.Paths.ImgDir, err)
	}
	log.Info("images found", "count", found, "dir", cfg.Paths.ImgDir, "templates", matcher.Len(), "ground_truth", writer.Dir())

	go func() {
		select {
		case <-surface.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	addr := cfg.Review.Addr
	if rf.addr != "" {
		addr = rf.addr
	}
	serveErr := make(chan error, 1)
	go func() {
		err := surface.Serve(ctx, addr)
		if err != nil {
			surface.Close()
		}
		serveErr <- err
	}()

	var runErr error
	if stream != nil {
		runErr = ctrl.RunStream(ctx, stream)
	} else {
		runErr = ctrl.Run(ctx, images)
	}
	cancel()
	if err := <-serveErr; err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func newReportCmd(cfgPath *string) *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print outcome and ground-truth counts from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, done, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer done()
			led, err := openLedger(cfg, log)
			if err != nil {
				return err
			}
			if led == nil {
				return errors.New("ledger is disabled ([Review] ledger = -)")
			}
			defer led.Close()

			rep, err := led.Report(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "OUTCOME\tIMAGES")
			for _, o := range triage.All() {
				fmt.Fprintf(tw, "%s\t%d\n", o, rep.Outcomes[string(o)])
			}
			fmt.Fprintf(tw, "total\t%d\n\n", rep.Images)
			fmt.Fprintln(tw, "FIELD\tPAIRS")
			fields := make([]string, 0, len(rep.Fields))
			for f := range rep.Fields {
				fields = append(fields, f)
			}
			sort.Strings(fields)
			for _, f := range fields {
				fmt.Fprintf(tw, "%s\t%d\n", f, rep.Fields[f])
			}
			fmt.Fprintf(tw, "total\t%d\n", rep.Pairs)
			if err := tw.Flush(); err != nil {
				return err
			}

			if list {
				pairs, err := led.Pairs(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(out)
				for _, p := range pairs {
					fmt.Fprintf(out, "%d|%s|%s|%q|%s|%s\n", p.ID, p.CropName, p.Field, p.Label, p.SourceImage, p.CreatedAt.Format(time.RFC3339))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "also list every ground-truth pair")
	return cmd
}

func newExportCmd(cfgPath *string) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:     "export",
		Short:   "Write the ground-truth pairs as a parquet manifest",
		Example: `  mdetruth export --out manifest.parquet`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, done, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer done()
			led, err := openLedger(cfg, log)
			if err != nil {
				return err
			}
			if led == nil {
				return errors.New("ledger is disabled ([Review] ledger = -)")
			}
			defer led.Close()

			f, err := os.Create(outPath)
			if err != nil {
				return err
			}
			n, err := led.Export(cmd.Context(), f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d pairs to %s\n", n, outPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "manifest.parquet", "output parquet file")
	return cmd
}

func newMigrateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the ledger tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, done, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer done()
			path := cfg.LedgerPath()
			if path == "" {
				return errors.New("ledger is disabled ([Review] ledger = -)")
			}
			led, err := ledger.Open(path, log)
			if err != nil {
				return err
			}
			defer led.Close()
			if err := led.Migrate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ledger migration completed:", path)
			return nil
		},
	}
}
