package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/punchamoorthee/atmcashin/internal/atmsim"
	"github.com/punchamoorthee/atmcashin/internal/domain"
	"github.com/punchamoorthee/atmcashin/internal/logging"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type options struct {
	port      string
	terminals int
	count     string
	fail      []string
	delay     []string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "atmsim",
		Short:        "Run a simulated ATM controller fleet",
		Long:         "atmsim serves the ATM controller command protocol for terminals ATM-001..ATM-N so the deposit API can run without hardware.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.port, "port", "9090", "Listen port")
	cmd.Flags().IntVar(&opts.terminals, "terminals", 100, "Number of terminals to register")
	cmd.Flags().StringVar(&opts.count, "count", "", "Fixed amount READ_COUNT reports (random 100-1099 when empty)")
	cmd.Flags().StringSliceVar(&opts.fail, "fail", nil, "COMMAND=CODE faults to inject, e.g. READ_COUNT=NOTE_JAM")
	cmd.Flags().StringSliceVar(&opts.delay, "delay", nil, "COMMAND=DURATION reply delays, e.g. READ_COUNT=20s")
	return cmd
}

func run(ctx context.Context, opts *options) error {
	logger, err := logging.New("development", "")
	if err != nil {
		return err
	}
	defer logger.Sync()

	sim := atmsim.New(logger)
	for i := 1; i <= opts.terminals; i++ {
		sim.AddTerminal(fmt.Sprintf("ATM-%03d", i))
	}
	if opts.count != "" {
		amount, err := decimal.NewFromString(opts.count)
		if err != nil {
			return fmt.Errorf("invalid --count: %w", err)
		}
		sim.SetCount(amount)
	}
	for _, f := range opts.fail {
		cmd, code, err := splitCommandFlag(f)
		if err != nil {
			return err
		}
		sim.Fail(cmd, code)
	}
	for _, d := range opts.delay {
		cmd, raw, err := splitCommandFlag(d)
		if err != nil {
			return err
		}
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid delay %q: %w", d, err)
		}
		sim.Delay(cmd, dur)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: ":" + opts.port, Handler: sim.Router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("atm simulator listening",
		zap.String("addr", srv.Addr),
		zap.Int("terminals", opts.terminals))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func splitCommandFlag(v string) (domain.Command, string, error) {
	name, value, ok := strings.Cut(v, "=")
	cmd := domain.Command(strings.ToUpper(strings.TrimSpace(name)))
	if !ok || !cmd.Valid() || value == "" {
		return "", "", fmt.Errorf("expected COMMAND=VALUE with a known command, got %q", v)
	}
	return cmd, value, nil
}
