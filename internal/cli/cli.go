package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opsmesh/dispatchd/internal/config"
	internal_http "github.com/opsmesh/dispatchd/internal/http"
	"github.com/opsmesh/dispatchd/internal/log"
	internal_storage "github.com/opsmesh/dispatchd/internal/storage"
	"github.com/opsmesh/dispatchd/pkg/broker"
	"github.com/opsmesh/dispatchd/pkg/reaper"
	"github.com/opsmesh/dispatchd/pkg/scheduler"
)

// core bundles everything a command needs once config is loaded.
type core struct {
	cfg        config.Config
	store      *internal_storage.PostgresStore
	publisher  broker.Publisher
	guard      *scheduler.SignalGuard
	taskMgr    *scheduler.TaskManager
	depMgr     *scheduler.DependencyManager
	workflowMg *scheduler.WorkflowManager
	reaper     *reaper.Reaper
}

func initCore() *core {
	logger := log.GetLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	store, err := internal_storage.InitStore(cfg.DBConnStr)
	if err != nil {
		logger.Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	publisher, err := broker.NewPGNotifyPublisher(cfg.DBConnStr, cfg.BrokerChannel)
	if err != nil {
		logger.Errorf("Failed to initialize broker publisher: %v", err)
		os.Exit(1)
	}
	guard := scheduler.NewSignalGuard(logger)
	intake := scheduler.NewTaskIntake(store, logger)
	return &core{
		cfg:        cfg,
		store:      store,
		publisher:  publisher,
		guard:      guard,
		taskMgr:    scheduler.NewTaskManager(store, publisher, guard, logger, cfg.HeartbeatTimeout, cfg.MaxSkips),
		depMgr:     scheduler.NewDependencyManager(store, intake, guard, logger, cfg.CacheTimeout),
		workflowMg: scheduler.NewWorkflowManager(store, intake, publisher, guard, logger),
		reaper:     reaper.New(store, cfg.WorkDirRoot, logger),
	}
}

func (c *core) close() {
	if err := c.publisher.Close(); err != nil {
		log.GetLogger().Errorf("Failed to close publisher: %v", err)
	}
	if err := c.store.Close(); err != nil {
		log.GetLogger().Errorf("Failed to close store: %v", err)
	}
}

func SetupCLI(rootCmd *cobra.Command) {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduling core: periodic manager passes, reaper, and debug endpoints",
		Run: func(cmd *cobra.Command, args []string) {
			c := initCore()
			defer c.close()
			serve(c)
		},
	}

	oneShot := func(use, short string, run func(c *core) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Run: func(cmd *cobra.Command, args []string) {
				c := initCore()
				defer c.close()
				if err := run(c); err != nil {
					log.GetLogger().Errorf("%s failed: %v", use, err)
					os.Exit(1)
				}
			},
		}
	}

	rootCmd.AddCommand(
		serveCmd,
		oneShot("run-task-manager", "Run a single task manager pass", func(c *core) error {
			return c.taskMgr.Schedule()
		}),
		oneShot("run-dependency-manager", "Run a single dependency manager pass", func(c *core) error {
			return c.depMgr.Schedule()
		}),
		oneShot("run-workflow-manager", "Run a single workflow manager pass", func(c *core) error {
			return c.workflowMg.Schedule()
		}),
		oneShot("reap", "Reconcile stale job working directories once", func(c *core) error {
			return c.reaper.Reap(c.cfg.ReaperGracePeriod)
		}),
	)
}

// serve runs the periodic triggers and the debug API until SIGINT/SIGTERM.
// Each manager ticks on its own interval; a pass already in flight is never
// overlapped because the loop is single-threaded per trigger kind.
func serve(c *core) {
	logger := log.GetLogger()
	app := internal_http.NewServer(internal_http.Managers{
		Task:       c.taskMgr,
		Dependency: c.depMgr,
		Workflow:   c.workflowMg,
	}, c.cfg.DisableManagers)

	go func() {
		if err := app.Listen(":" + c.cfg.HTTPPort); err != nil {
			logger.Errorf("Debug API stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if c.cfg.DisableManagers {
		logger.Infof("Periodic manager passes disabled, debug endpoints are the only trigger")
	} else {
		go tick(ctx, c.cfg.TaskManagerInterval, "task manager", c.taskMgr.Schedule)
		go tick(ctx, c.cfg.DependencyManagerInterval, "dependency manager", c.depMgr.Schedule)
		go tick(ctx, c.cfg.WorkflowManagerInterval, "workflow manager", c.workflowMg.Schedule)
	}
	go tick(ctx, c.cfg.ReaperInterval, "reaper", func() error {
		return c.reaper.Reap(c.cfg.ReaperGracePeriod)
	})

	logger.Infof("dispatchd serving on :%s (node %s)", c.cfg.HTTPPort, c.cfg.Hostname)
	<-ctx.Done()
	logger.Infof("Shutting down")
	if err := app.Shutdown(); err != nil {
		logger.Errorf("Failed to shut down debug API: %v", err)
	}
}

func tick(ctx context.Context, interval time.Duration, name string, pass func() error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pass(); err != nil {
				log.GetLogger().Errorf("Periodic %s pass failed: %v", name, err)
			}
		}
	}
}
