package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/guestify/mediakit/internal/config"
	"github.com/guestify/mediakit/internal/renderer"
	"github.com/guestify/mediakit/internal/runtime"
)

var (
	runPageID string
	runDemo   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a headless builder session",
	Long: `Start the builder pipeline and keep it running until interrupted.
With persistence enabled the page is restored on start and autosaved on
every change. --demo seeds one component of each built-in type.`,
	RunE: runSession,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runPageID, "page", "default", "page id to load and autosave")
	runCmd.Flags().BoolVar(&runDemo, "demo", false, "seed the page with demo components")
}

func runSession(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	rt, err := runtime.New(cfg, runtime.Options{PageID: runPageID})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if err := rt.Start(ctx); err != nil {
		return err
	}

	if runDemo && rt.Store.Len() == 0 {
		seedDemoPage(rt)
	}

	fmt.Fprintf(os.Stderr, "mediakit session running, page %q, %d components (ctrl-c to stop)\n",
		runPageID, rt.Store.Len())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	return rt.Stop(ctx)
}

func seedDemoPage(rt *runtime.Runtime) {
	_ = rt.Store.BatchUpdate(func() error {
		for _, componentType := range []string{"hero", "biography", "stats", "social", "topics", "cta"} {
			id := fmt.Sprintf("%s-demo", componentType)
			rt.Store.InitComponent(id, componentType, renderer.MockProps(componentType), false)
		}

		return nil
	})
}
