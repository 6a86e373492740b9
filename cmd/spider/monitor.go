package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/spider/internal/events"
	"github.com/aristath/spider/internal/monitor"
	"github.com/aristath/spider/internal/persistence"
)

func newMonitorCmd(a *app) *cobra.Command {
	var once bool
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Fail timed-out tasks, report dead workers and retry failed jobs",
		Long: `Run the liveness monitor against the job store. Every interval it fails
task instances that ran past the task timeout, reports workers whose heartbeat
is older than the heartbeat timeout, and resets failed jobs until they run out
of retries. With --once a single sweep runs and its report is printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(store *persistence.SQLiteStore) error {
				if once {
					return sweepOnce(cmd, a, store)
				}
				if metricsAddr == "" {
					metricsAddr = a.cfg.Metrics.Addr
				}
				return runMonitor(cmd.Context(), a, store, metricsAddr)
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and exit")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics.addr)")
	return cmd
}

func sweepOnce(cmd *cobra.Command, a *app, store monitor.Store) error {
	m := monitor.New(store, a.cfg.MonitorConfig(), monitor.WithLogger(a.log.WithField("component", "monitor")))
	report, err := m.Sweep(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "timed out:    %d\n", report.TimedOut)
	fmt.Fprintf(out, "dead workers: %d\n", report.DeadWorkers)
	fmt.Fprintf(out, "reset:        %d\n", report.Reset)
	fmt.Fprintf(out, "exhausted:    %d\n", report.Exhausted)
	fmt.Fprintf(out, "took:         %s\n", report.Duration.Round(time.Microsecond))
	return nil
}

func runMonitor(ctx context.Context, a *app, store monitor.Store, metricsAddr string) error {
	bus := events.NewBus()
	defer bus.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	log := a.log.WithField("component", "monitor")
	m := monitor.New(store, a.cfg.MonitorConfig(),
		monitor.WithBus(bus),
		monitor.WithRegisterer(reg),
		monitor.WithLogger(log),
	)

	g, ctx := errgroup.WithContext(ctx)
	feed := bus.SubscribeAll(0)
	g.Go(func() error {
		logEvents(log, feed)
		return nil
	})
	if metricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, log, reg, metricsAddr)
		})
	}
	g.Go(func() error {
		defer bus.Close()
		return m.Run(ctx)
	})
	return g.Wait()
}

// logEvents logs every monitor event until the bus closes.
func logEvents(log logrus.FieldLogger, feed <-chan events.Event) {
	for ev := range feed {
		entry := log.WithField("event", ev.EventType())
		if s := ev.Subject(); s != "" {
			entry = entry.WithField("subject", s)
		}
		switch ev := ev.(type) {
		case events.WorkerDeadEvent:
			entry.Warn("worker missed its heartbeat")
		case events.JobExhaustedEvent:
			entry.WithField("retries", ev.Retries).Warn("job failed permanently")
		default:
			entry.Debug("monitor event")
		}
	}
}

// serveMetrics serves reg on addr until ctx is done.
func serveMetrics(ctx context.Context, log logrus.FieldLogger, reg *prometheus.Registry, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
