// Command drpc performs RPCSEC_GSS-authenticated NULL pings against an ONC
// RPC server. It exists to verify a full credential round trip: upcall to
// the user-space daemon, context import, and an authenticated call.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marmos91/drpc/internal/client"
	"github.com/marmos91/drpc/internal/gss"
	"github.com/marmos91/drpc/internal/gss/krb5"
	"github.com/marmos91/drpc/internal/logger"
	"github.com/marmos91/drpc/pkg/config"
	"github.com/marmos91/drpc/pkg/metrics"
	promgss "github.com/marmos91/drpc/pkg/metrics/prometheus"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	count := flag.Int("count", 1, "number of NULL pings to send")
	flag.Parse()

	if err := run(*configPath, *count); err != nil {
		fmt.Fprintf(os.Stderr, "drpc: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, count int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger.SetLevel(cfg.Logging.Level)
	if err := logger.SetOutput(cfg.Logging.Output); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		srv := metrics.NewServer(cfg.Metrics.Listen)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("metrics server: %v", err)
			}
		}()
	}

	var krb5Opts krb5.Options
	if err := cfg.GSS.DecodeMechOptions(&krb5Opts); err != nil {
		return err
	}
	if err := gss.RegisterMechanism(krb5.NewMechanismWithOptions(krb5Opts)); err != nil {
		return err
	}

	flavor, err := cfg.GSS.PseudoFlavor()
	if err != nil {
		return err
	}

	clnt := client.New(cfg.Client.Address, cfg.Client.Program, cfg.Client.Version, client.Options{
		Principal: cfg.GSS.Principal,
		Timeout:   cfg.Client.Timeout,
	})
	defer clnt.Close()

	pipeNet := gss.NewPipeNet()
	auth, err := gss.New(pipeNet, clnt, flavor, gss.Options{
		RetryDelay: cfg.GSS.ExpiredCredRetryDelay,
		Metrics:    promgss.NewGSSMetrics(),
	})
	if err != nil {
		return err
	}
	clnt.BindAuth(auth)

	pipefs := gss.NewPipeFS(cfg.GSS.PipefsDir)
	if err := pipefs.Export(auth); err != nil {
		return err
	}
	defer pipefs.Close()
	logger.Info("upcall pipes exported under %s/%s", cfg.GSS.PipefsDir, clnt.Name())

	for i := 0; i < count; i++ {
		start := time.Now()
		if err := clnt.Call(ctx, 0, nil, nil, nil, nil); err != nil {
			return fmt.Errorf("NULL call %d: %w", i+1, err)
		}
		logger.Info("NULL reply from %s in %s (mech=%s service=%s)",
			cfg.Client.Address, time.Since(start).Round(time.Microsecond),
			auth.Mechanism().Name, auth.Service())
	}
	return nil
}
