package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"gophertock/device/flash"
	"gophertock/kernel/config"
	"gophertock/kernel/deferred"
	"gophertock/kernel/kfmt"
	"gophertock/kernel/kmain"
	"gophertock/kernel/metrics"
	"gophertock/kernel/proc"
	"gophertock/kernel/sched"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// bootKernel opens the flash file named by cfg and boots a kernel with a
// simulated executor. Images that fail to load are reported on stderr.
func bootKernel(cmd *cobra.Command, cfg config.Config) (*kmain.Kernel, *flash.Storage, error) {
	drv := flash.Probe(afero.NewOsFs(), cfg.Flash.Path, cfg.FlashRegion(), uintptr(cfg.Flash.EraseGranularity))()

	var initLog io.Writer = io.Discard
	if kfmt.Logger("tbfctl").Core().Enabled(zap.DebugLevel) {
		initLog = cmd.ErrOrStderr()
	}
	if err := drv.DriverInit(initLog); err != nil {
		return nil, nil, err
	}
	storage := drv.(*flash.Storage)

	k, err := kmain.New(cfg, storage, &kmain.SimulatedExecutor{FaultAfter: 2})
	if err != nil {
		_ = storage.Close()
		return nil, nil, err
	}

	if err := k.Boot(cmd.Context()); err != nil {
		for _, e := range multierr.Errors(err) {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", e)
		}
	}
	return k, storage, nil
}

func printProcesses(w io.Writer, infos []proc.Info) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tFLASH\tRAM\tRESTARTS\tSYSCALLS")
	for _, p := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t0x%08x\t0x%08x (%s)\t%d\t%d\n",
			p.ID, p.Name, p.State, p.Code.Start, p.Memory.Start,
			humanize.IBytes(uint64(p.Memory.Length)), p.RestartCount, p.SyscallCount)
	}
	return tw.Flush()
}

func newInstallCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "install <image>",
		Short: "Write an image to the flash file and load it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			k, storage, err := bootKernel(cmd, cfg)
			if err != nil {
				return err
			}
			defer storage.Close()

			id, err := k.Install(cmd.Context(), image)
			if err != nil {
				return err
			}

			rec, err := k.Process(id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed %s as process %s at 0x%08x\n", rec.Name, id, rec.Code.Start)
			return nil
		},
	}
}

func newListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Boot the flash file and list the loaded processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			k, storage, err := bootKernel(cmd, cfg)
			if err != nil {
				return err
			}
			defer storage.Close()

			return printProcesses(cmd.OutOrStdout(), k.List())
		},
	}
}

func newRunCmd(opts *globalOptions) *cobra.Command {
	var (
		steps   int
		tick    time.Duration
		watch   bool
		listen  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Boot the flash file and run the kernel with simulated processes",
		Long: `run boots the flash file and drives the kernel main loop. Processes are
simulated: they yield, or fault or exit depending on their name. A periodic
timer interrupt delivers an upcall to every yielded process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Metrics.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			k, storage, err := bootKernel(cmd, cfg)
			if err != nil {
				return err
			}
			defer storage.Close()

			timer, err := k.RegisterDeferred("timer", deferred.HandlerFunc(func() {
				for _, p := range k.List() {
					if p.State == proc.Yielded {
						_ = k.Upcall(p.ID, proc.Upcall{})
					}
				}
			}))
			if err != nil {
				return err
			}

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			g, gctx := errgroup.WithContext(runCtx)

			g.Go(func() error {
				if steps <= 0 {
					return k.Run(gctx)
				}
				defer cancel()
				for i := 0; i < steps && gctx.Err() == nil; i++ {
					k.Step(gctx)
				}
				return nil
			})

			if tick > 0 {
				g.Go(func() error {
					t := time.NewTicker(tick)
					defer t.Stop()
					for {
						select {
						case <-gctx.Done():
							return nil
						case <-t.C:
							k.Interrupt(timer)
						}
					}
				})
			}

			if watch {
				w, err := flash.NewWatcher(cfg.Flash.Path, k.RequestRescan)
				if err != nil {
					return err
				}
				g.Go(func() error { return w.Run(gctx) })
			}

			if cfg.Metrics.Listen != "" {
				serveMetrics(g, gctx, cfg.Metrics.Listen, k)
			}

			if err := g.Wait(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if err := printProcesses(out, k.List()); err != nil {
				return err
			}
			printStats(out, k.Snapshot().Scheduler)
			return nil
		},
	}

	cmd.Flags().IntVar(&steps, "steps", 0, "Number of main loop iterations (0: until interrupted)")
	cmd.Flags().DurationVar(&tick, "tick", 100*time.Millisecond, "Timer interrupt period (0 disables the timer)")
	cmd.Flags().BoolVar(&watch, "watch", false, "Rescan flash when the flash file changes")
	cmd.Flags().StringVar(&listen, "metrics", "", "Serve Prometheus metrics on this address (overrides metrics.listen)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Stop after this long (0: no limit)")
	return cmd
}

func serveMetrics(g *errgroup.Group, ctx context.Context, addr string, src metrics.Source) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(src))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		kfmt.Logger("tbfctl").Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func printStats(w io.Writer, st sched.Stats) {
	fmt.Fprintf(w, "\ndecisions %d, idle %d, executed %s\n", st.Decisions, st.IdleCycles, st.Executed)
	for _, r := range []sched.StoppedReason{sched.Yielded, sched.TimesliceExpired, sched.Faulted, sched.Terminated, sched.KernelPreempted} {
		if n := st.StoppedCount(r); n > 0 {
			fmt.Fprintf(w, "  %-18s %d\n", r, n)
		}
	}
}

func newConfigCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective board configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
