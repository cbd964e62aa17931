package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"poolkeeper/config"
	"poolkeeper/internal/api"
	"poolkeeper/internal/pool"
	"poolkeeper/internal/quota"
)

var (
	configPath   string
	monitorOnce  bool
	uploadSource string
	archiveDel   bool
	checkPool    string
	initForce    bool

	rootCmd = &cobra.Command{
		Use:          "poolkeeper",
		Short:        "Keep a routing service stocked with active credential channels",
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the management API and the replenishment loop",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	monitorCmd = &cobra.Command{
		Use:   "monitor",
		Short: "Reconcile channel status and replenish when below the floor",
		Args:  cobra.NoArgs,
		RunE:  runMonitor,
	}

	uploadCmd = &cobra.Command{
		Use:   "upload [count]",
		Short: "Upload whole groups from a pool (count must be a multiple of 3)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runUpload,
	}

	activateCmd = &cobra.Command{
		Use:   "activate <prefix>",
		Short: "Move a pending group to the activated pool",
		Args:  cobra.ExactArgs(1),
		RunE:  runActivate,
	}

	archiveCmd = &cobra.Command{
		Use:   "archive <prefix>",
		Short: "Retire an exhausted activated group",
		Args:  cobra.ExactArgs(1),
		RunE:  runArchive,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show pool and status statistics",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}

	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "List incomplete groups",
		Args:  cobra.NoArgs,
		RunE:  runCheck,
	}

	initCmd = &cobra.Command{
		Use:   "init",
		Short: "Write a default config.yaml",
		Args:  cobra.NoArgs,
		RunE:  runInit,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (env CONFIG_PATH)")

	monitorCmd.Flags().BoolVar(&monitorOnce, "once", false, "run a single cycle and exit")
	uploadCmd.Flags().StringVar(&uploadSource, "source", string(pool.Fresh), "source pool (fresh or activated)")
	archiveCmd.Flags().BoolVar(&archiveDel, "delete", false, "delete the files instead of archiving them")
	checkCmd.Flags().StringVar(&checkPool, "pool", "", "only check this pool")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")

	rootCmd.AddCommand(serveCmd, monitorCmd, uploadCmd, activateCmd, archiveCmd, statsCmd, checkCmd, initCmd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	sched := a.scheduler()
	handler := api.NewHandler(a.manager, a.tracker, a.storage, sched, a.logger.With("component", "api"))

	if a.cfg.Server.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})
	handler.Register(r)

	addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	schedDone := make(chan error, 1)
	go func() { schedDone <- sched.Run(ctx) }()

	srvErr := make(chan error, 1)
	go func() {
		a.logger.Info("management API listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil {
			stop()
			return fmt.Errorf("serve %s: %w", addr, err)
		}
	case err := <-schedDone:
		if err != nil {
			stop()
			_ = srv.Close()
			return err
		}
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	if monitorOnce {
		report := a.controller.RunCycle(ctx, a.cfg.Monitor.TargetChannels, a.cfg.Monitor.MinChannels)
		if err := printJSON(report); err != nil {
			return err
		}
		if report.Error != "" {
			return errors.New(report.Error)
		}
		return nil
	}

	a.logger.Info("monitor started",
		"min", a.cfg.Monitor.MinChannels, "target", a.cfg.Monitor.TargetChannels,
		"interval", a.cfg.Monitor.Interval())
	return a.scheduler().Run(ctx)
}

func runUpload(cmd *cobra.Command, args []string) error {
	count := pool.GroupSize
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("count %q is not a number", args[0])
		}
		count = n
	}
	source, err := pool.Parse(uploadSource)
	if err != nil {
		return err
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	report, err := a.controller.Upload(ctx, count, source)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func runActivate(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.manager.Activate(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("activated %s\n", args[0])
	return nil
}

func runArchive(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.manager.Archive(cmd.Context(), args[0], archiveDel)
	if err != nil {
		return err
	}
	verb := "archived"
	if archiveDel {
		verb = "deleted"
	}
	fmt.Printf("%s %d files of %s\n", verb, n, args[0])
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	snap, err := a.tracker.Snapshot(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(snap)
}

func runCheck(cmd *cobra.Command, args []string) error {
	pools := pool.All
	if checkPool != "" {
		p, err := pool.Parse(checkPool)
		if err != nil {
			return err
		}
		pools = []pool.Pool{p}
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var incomplete []quota.GroupSummary
	for _, p := range pools {
		listing, err := a.tracker.Groups(cmd.Context(), p)
		if err != nil {
			return err
		}
		for _, g := range listing.Groups {
			if !g.Complete {
				incomplete = append(incomplete, g)
			}
		}
	}
	if len(incomplete) == 0 {
		fmt.Println("all groups complete")
		return nil
	}
	return printJSON(incomplete)
}

func runInit(cmd *cobra.Command, args []string) error {
	path := resolveConfigPath()
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.Save(path, config.DefaultConfig()); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}
