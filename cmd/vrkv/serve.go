package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tangledbytes/go-vrkv/pkg/config"
	"github.com/tangledbytes/go-vrkv/pkg/kv"
	"github.com/tangledbytes/go-vrkv/pkg/message"
	"github.com/tangledbytes/go-vrkv/pkg/network"
	"github.com/tangledbytes/go-vrkv/pkg/replica"
)

const statusInterval = 10 * time.Second

var (
	serveConfig = &config.ServerConfig{}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run a replica",
		Long: `Run one replica of the cluster. Every replica must be started with the
same --members list and its own --id.`,
		Example: "  vrkv serve --id 0 --members 0=127.0.0.1:7000,1=127.0.0.1:7001,2=127.0.0.1:7002",
		PreRunE: processServeConfig,
		RunE:    runServe,
	}
)

func init() {
	f := serveCmd.Flags()
	f.Uint64("id", 0, "replica number of this process")
	f.String("members", "", "comma separated members, <id>=<host>:<port> or <host>:<port> in id order")
	f.String("listen", "", "address to listen on, defaults to the address of this replica's member entry")
	f.Duration("heartbeat-timeout", replica.DefaultHeartbeatTimeout, "idle time after which the primary sends a commit")
	f.Duration("view-change-timeout", replica.DefaultViewChangeTimeout, "silence from the primary tolerated before a view change")
	f.Duration("recovery-timeout", replica.DefaultRecoveryTimeout, "interval between recovery attempts")
	f.Duration("tick-interval", 50*time.Millisecond, "how often timers are checked")
	f.Bool("recover", false, "start in recovery, for a replica rejoining a running cluster")
	f.String("metrics-listen", "", "address of the Prometheus endpoint, empty disables it")
}

func processServeConfig(cmd *cobra.Command, _ []string) error {
	if err := bindFlags(cmd); err != nil {
		return err
	}

	members, err := config.ParseMembers(viper.GetString("members"))
	if err != nil {
		return err
	}

	serveConfig.ID = viper.GetUint64("id")
	serveConfig.Members = members
	serveConfig.Listen = viper.GetString("listen")
	serveConfig.HeartbeatTimeout = viper.GetDuration("heartbeat-timeout")
	serveConfig.ViewChangeTimeout = viper.GetDuration("view-change-timeout")
	serveConfig.RecoveryTimeout = viper.GetDuration("recovery-timeout")
	serveConfig.TickInterval = viper.GetDuration("tick-interval")
	serveConfig.Recover = viper.GetBool("recover")
	serveConfig.MetricsListen = viper.GetString("metrics-listen")
	serveConfig.Log = logConfig()

	return serveConfig.Validate()
}

func runServe(_ *cobra.Command, _ []string) error {
	logger, err := setupLogger(serveConfig.Log)
	if err != nil {
		return err
	}

	fmt.Fprint(os.Stderr, serveConfig.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addrs := make(map[uint64]string, len(serveConfig.Members))
	for _, m := range serveConfig.Members {
		addrs[m.ID] = m.Address()
	}

	transport := network.NewTCP(network.TCPConfig{
		Self:     message.Replica(serveConfig.ID),
		Listen:   serveConfig.ListenAddress(),
		Replicas: addrs,
		Logger:   logger,
	})

	set := metrics.NewSet()
	r, err := replica.New(replica.Config{
		ID:                serveConfig.ID,
		Members:           serveConfig.Members,
		Router:            transport,
		StateMachine:      kv.NewStore(),
		HeartbeatTimeout:  serveConfig.HeartbeatTimeout,
		ViewChangeTimeout: serveConfig.ViewChangeTimeout,
		RecoveryTimeout:   serveConfig.RecoveryTimeout,
		Recovering:        serveConfig.Recover,
		Metrics:           set,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	if err := transport.Start(r); err != nil {
		return err
	}
	defer transport.Close()

	if serveConfig.MetricsListen != "" {
		srv := metricsServer(serveConfig.MetricsListen, set)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	go logStatus(ctx, r, logger)

	return r.Run(ctx, serveConfig.TickInterval)
}

func metricsServer(addr string, set *metrics.Set) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		writeMetrics(w, set)
	})

	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

func writeMetrics(w io.Writer, set *metrics.Set) {
	set.WritePrometheus(w)
	metrics.WriteProcessMetrics(w)
}

// logStatus periodically logs where the replica stands.
func logStatus(ctx context.Context, r *replica.Replica, logger *slog.Logger) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := r.Snapshot()
			logger.Info("status",
				"status", s.Status,
				"view", s.View,
				"primary", s.Primary,
				"op", s.OpNumber,
				"commit", s.CommitNumber,
			)
		}
	}
}
