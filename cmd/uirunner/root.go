package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"uirunner/internal/browser"
	"uirunner/internal/budget"
	"uirunner/internal/config"
	"uirunner/internal/events"
	"uirunner/internal/learned"
	"uirunner/internal/model"
	"uirunner/internal/planner"
	"uirunner/internal/resilience"
	"uirunner/internal/runner"
	"uirunner/internal/status"
	"uirunner/internal/types"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "uirunner",
		Short:         "Autonomous web-UI test runner",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newModesCmd())
	return root
}

type runFlags struct {
	urls         []string
	mode         string
	browsers     []string
	tier         string
	instructions string
	projectID    string
	configPath   string
	headless     bool
	width        int
	height       int
	mobile       bool
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a test run against a target URL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRuns(cmd.Context(), f)
		},
	}
	cmd.Flags().StringSliceVar(&f.urls, "url", nil, "target URL (repeatable; first is the base)")
	cmd.Flags().StringVar(&f.mode, "mode", "single", "test mode (single, multi, all, monkey, guest, behavior)")
	cmd.Flags().StringSliceVar(&f.browsers, "browser", []string{"chromium"}, "browser engine (repeatable for parallel sibling runs)")
	cmd.Flags().StringVar(&f.tier, "tier", "guest", "user tier (guest, starter, indie, pro, agency)")
	cmd.Flags().StringVar(&f.instructions, "instructions", "", "natural-language test instructions")
	cmd.Flags().StringVar(&f.projectID, "project", "", "project id enabling learned-action replay")
	cmd.Flags().StringVar(&f.configPath, "config", "", "path to a YAML config file")
	cmd.Flags().BoolVar(&f.headless, "headless", true, "run the browser headless")
	cmd.Flags().IntVar(&f.width, "width", 0, "viewport width override")
	cmd.Flags().IntVar(&f.height, "height", 0, "viewport height override")
	cmd.Flags().BoolVar(&f.mobile, "mobile", false, "emulate a mobile viewport")
	cmd.MarkFlagRequired("url")
	return cmd
}

// sessionOpener adapts the browser manager to the sequencer.
type sessionOpener struct {
	mgr *browser.Manager
}

func (s sessionOpener) OpenSession(ctx context.Context, desc *types.RunDescriptor) (browser.Driver, error) {
	return s.mgr.OpenSession(ctx, desc)
}

func runRuns(ctx context.Context, f runFlags) error {
	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return err
	}
	cfg.Browser.Headless = f.headless

	sink := events.NewAsyncSink(events.LogSink{}, 256)
	defer sink.Close()

	core := resilience.NewCore(cfg.Resilience, sink)
	defer core.Shutdown()

	tier := types.UserTier(f.tier)
	client := model.NewClient(cfg.LLM, model.Options{
		Core: core,
		Sink: sink,
		Tier: tier,
	})

	var store *learned.Store
	if cfg.LearnedActionsPath != "" {
		store, err = learned.Open(cfg.LearnedActionsPath)
		if err != nil {
			return fmt.Errorf("learned actions store: %w", err)
		}
		defer store.Close()
	}

	mgr := browser.NewManager(cfg.Browser)
	defer mgr.Shutdown()

	seq := runner.New(runner.Deps{
		Sessions: sessionOpener{mgr: mgr},
		Model:    client,
		Planner:  planner.New(client, store),
		Budgets:  budget.NewManager(),
		Registry: status.NewRegistry(),
		Steps:    runner.NewMemoryStepStore(),
		Sink:     sink,
		Learned:  store,
		Cfg:      cfg,
	})

	parentID := newRunID()
	descs := make([]*types.RunDescriptor, 0, len(f.browsers))
	for _, b := range f.browsers {
		descs = append(descs, &types.RunDescriptor{
			RunID:        newRunID(),
			ParentRunID:  parentID,
			URLs:         f.urls,
			Mode:         types.TestMode(f.mode),
			Browser:      types.BrowserType(b),
			Viewport:     viewportFor(cfg, f),
			Tier:         tier,
			Instructions: f.instructions,
			ProjectID:    f.projectID,
		})
	}

	// Sibling browser runs execute in parallel and share the parent AI
	// budget.
	summaries := make([]*types.RunSummary, len(descs))
	g, gctx := errgroup.WithContext(ctx)
	for i, desc := range descs {
		i, desc := i, desc
		g.Go(func() error {
			summaries[i] = seq.Run(gctx, desc)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	failed := false
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for i, sum := range summaries {
		fmt.Printf("run %s (%s):\n", descs[i].RunID, descs[i].Browser)
		if err := enc.Encode(sum); err != nil {
			return err
		}
		switch sum.Outcome {
		case types.OutcomeFailedRecoverable, types.OutcomeFailedUnrecoverable, types.OutcomeAbandoned:
			failed = true
		}
	}
	if failed {
		return fmt.Errorf("one or more runs failed")
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		cfg.ApplyEnv()
		return cfg, nil
	}
	return config.Load(path)
}

func viewportFor(cfg *config.Config, f runFlags) types.Viewport {
	vp := types.Viewport{
		Width:  cfg.Browser.GetViewportWidth(),
		Height: cfg.Browser.GetViewportHeight(),
		Mobile: f.mobile,
	}
	if f.width > 0 {
		vp.Width = f.width
	}
	if f.height > 0 {
		vp.Height = f.height
	}
	return vp
}

func newRunID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

func newModesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modes",
		Short: "Print the test mode table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-10s %-6s %-9s %-10s %-12s %s\n",
				"MODE", "STEPS", "TIMEOUT", "DIAGNOSIS", "MODEL", "VISION")
			for _, m := range config.Modes() {
				fmt.Fprintf(w, "%-10s %-6d %-9s %-10v %-12s %v\n",
					m.Mode, m.MaxSteps, m.PhaseTimeout, m.DiagnosisRequired,
					m.Model, m.VisionEnabled)
			}
			return nil
		},
	}
}
