// Command flaked boots the kernel on a host platform and runs it
// until interrupted.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/flakeos/kernel/internal/app"
	"github.com/flakeos/kernel/internal/hal"
	"github.com/flakeos/kernel/internal/infrastructure/config"
	"github.com/flakeos/kernel/internal/infrastructure/logging"
	"github.com/flakeos/kernel/internal/infrastructure/monitoring"
	"github.com/flakeos/kernel/internal/ipc"
	"github.com/flakeos/kernel/internal/kernel"
	"github.com/flakeos/kernel/internal/sched"
	"github.com/flakeos/kernel/internal/service"
	"github.com/flakeos/kernel/internal/shared/id"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "flaked",
		Short:         "FlakeOS kernel daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(runCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "flaked:", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func runCmd() *cobra.Command {
	var appsDir string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Boot the kernel and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(appsDir)
		},
	}
	cmd.Flags().StringVar(&appsDir, "apps", "", "directory of external app manifests (overrides APP_EXTERNAL_DIR)")
	return cmd
}

func run(appsDir string) error {
	cfg := config.LoadOrDefault()
	if appsDir != "" {
		cfg.Apps.ExternalDir = appsDir
	}

	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync()

	metrics := monitoring.New(prometheus.DefaultRegisterer)

	platform := kernel.Platform{
		Runner:   hal.NewGoRunner(),
		Watchdog: hal.NewHostWatchdog(log),
		Store:    hal.NewMemStore(),
	}

	k := kernel.New(cfg, platform, log, metrics)
	if err := k.Init(); err != nil {
		return fmt.Errorf("kernel init: %w", err)
	}

	services := service.NewManager(k.Scheduler(), serviceIDs(), log, metrics)
	registerCoreServices(services, k, log)
	if err := services.StartAll(); err != nil {
		return fmt.Errorf("services: %w", err)
	}

	apps := app.NewManager(k.Scheduler(), k.Bus(), platform.Store, appIDs(),
		cfg.Apps.ForceExitHold, log, metrics)
	registerBuiltinApps(apps, log)
	loadExternalApps(apps, cfg.Apps.ExternalDir, cfg.Apps.DefaultStack, log)

	if err := k.Start(); err != nil {
		return fmt.Errorf("kernel start: %w", err)
	}

	if launcher, err := apps.FindByName("launcher"); err == nil {
		if err := apps.Launch(launcher); err != nil {
			log.Warn("launcher did not start", zap.Error(err))
		}
	}

	log.Info("flaked running",
		zap.String("version", version),
		zap.String("session", k.Session()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	services.StopAll()
	if err := k.Shutdown(); err != nil {
		return fmt.Errorf("kernel shutdown: %w", err)
	}
	return nil
}

// registerCoreServices installs the host-platform system services.
func registerCoreServices(services *service.Manager, k *kernel.Kernel, log *logging.Logger) {
	mustRegister(services, log, service.Definition{
		Name:      "storage",
		Critical:  true,
		AutoStart: true,
	})
	mustRegister(services, log, service.Definition{
		Name:      "settings",
		DependsOn: []string{"storage"},
		AutoStart: true,
	})
	mustRegister(services, log, service.Definition{
		Name:      "telemetry",
		DependsOn: []string{"storage"},
		AutoStart: true,
		StackSize: 4096,
		Priority:  3,
		Entry: func(p *sched.Proc) {
			for p.Yield() {
				// Periodic health snapshot rides on the event bus.
				_ = k.Bus().Publish("telemetry.heartbeat", ipc.CategorySystem, nil)
				sleepTick()
			}
		},
	})
}

// registerBuiltinApps installs the apps compiled into the image.
func registerBuiltinApps(apps *app.Manager, log *logging.Logger) {
	_, err := apps.Register(app.Registration{
		Manifest: app.Manifest{Name: "launcher", Version: version, StackSize: 8192, Priority: 10},
		Launcher: true,
		Lifecycle: app.Lifecycle{
			Entry: func(p *sched.Proc) {
				for p.Yield() {
					sleepTick()
				}
			},
		},
	})
	if err != nil {
		log.Error("builtin app not registered", zap.Error(err))
	}
}

// loadExternalApps registers every valid manifest found in dir. The
// host build has no loadable code, so external apps get an idle entry
// standing in for their payload.
func loadExternalApps(apps *app.Manager, dir string, defaultStack int, log *logging.Logger) {
	if dir == "" {
		return
	}
	manifests, err := app.ScanManifests(hal.NewDirFS("."), dir)
	if err != nil {
		log.Warn("external app scan failed", zap.String("dir", dir), zap.Error(err))
		return
	}
	for _, m := range manifests {
		if m.StackSize == 0 {
			m.StackSize = defaultStack
		}
		_, err := apps.Register(app.Registration{
			Manifest: m,
			Lifecycle: app.Lifecycle{
				Entry: func(p *sched.Proc) {
					for p.Yield() {
						sleepTick()
					}
				},
			},
		})
		if err != nil {
			log.Warn("external app not registered",
				zap.String("name", m.Name), zap.Error(err))
			continue
		}
		log.Info("external app installed",
			zap.String("name", m.Name), zap.String("version", m.Version))
	}
}

func mustRegister(services *service.Manager, log *logging.Logger, def service.Definition) {
	if _, err := services.Register(def); err != nil {
		log.Error("service not registered", zap.String("name", def.Name), zap.Error(err))
	}
}

func serviceIDs() *id.Generator { return &id.Generator{} }
func appIDs() *id.Generator     { return &id.Generator{} }

// sleepTick paces the idle loops of host-side processes.
func sleepTick() { time.Sleep(10 * time.Millisecond) }
