package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/andrej220/tsubame/internal/orchestrator"
	"github.com/andrej220/tsubame/internal/serverutil"
	"github.com/andrej220/tsubame/pkg/cipher"
	"github.com/andrej220/tsubame/pkg/config"
	"github.com/andrej220/tsubame/pkg/config/filestore"
	"github.com/andrej220/tsubame/pkg/executor"
	"github.com/andrej220/tsubame/pkg/kafkautil"
	"github.com/andrej220/tsubame/pkg/lg"
	"github.com/andrej220/tsubame/pkg/persistence"
	dm "github.com/andrej220/tsubame/pkg/shared-models"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	flagJobID      int64
	flagOut        string
	flagHost       string
	flagPort       int
	flagUser       string
	flagPassword   string
	flagKeyFile    string
	flagConfigOut  string
	flagForceWrite bool
)

func init() {
	runCmd.Flags().Int64Var(&flagJobID, "job", 0, "job ID to run")
	runCmd.Flags().StringVar(&flagOut, "out", "", "also write the execution record as JSON to this file")
	_ = runCmd.MarkFlagRequired("job")

	enqueueCmd.Flags().Int64Var(&flagJobID, "job", 0, "job ID to queue")
	_ = enqueueCmd.MarkFlagRequired("job")

	probeCmd.Flags().StringVar(&flagHost, "host", "", "target host")
	probeCmd.Flags().IntVar(&flagPort, "port", 22, "target SSH port")
	probeCmd.Flags().StringVar(&flagUser, "user", "", "login user")
	probeCmd.Flags().StringVar(&flagPassword, "password", "", "password (prefer --key-file)")
	probeCmd.Flags().StringVar(&flagKeyFile, "key-file", "", "PEM private key file")
	probeCmd.MarkFlagsMutuallyExclusive("password", "key-file")
	_ = probeCmd.MarkFlagRequired("host")
	_ = probeCmd.MarkFlagRequired("user")

	configInitCmd.Flags().StringVar(&flagConfigOut, "out", "tsubame.yaml", "where to write the default config")
	configInitCmd.Flags().BoolVar(&flagForceWrite, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the HTTP API and, when enabled, consume Kafka run requests",
	RunE:  doServe,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run one job now and print the execution record",
	RunE:  doRun,
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "check that a host accepts SSH logins and runs a command",
	RunE:  doProbe,
}

var encryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "read a secret from stdin and print its stored token",
	RunE:  doEncrypt,
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "publish a run request for a job to the Kafka request topic",
	RunE:  doEnqueue,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "configuration helpers",
}

var configInitCmd = &cobra.Command{
	Use:         "init",
	Short:       "write the default configuration",
	Annotations: map[string]string{"skipConfig": "true"},
	RunE:        doConfigInit,
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("close failed", lg.Err(err))
		}
	}()

	srv := serverutil.DefaultServerConfig()
	srv.Addr = cfg.Service.ListenAddr
	srv.ShutdownTimeout = cfg.Service.ShutdownTimeout
	srv.WriteTimeout = cfg.SSH.ConnectTimeout + cfg.SSH.ExecTimeout + cfg.SSH.CancelWait

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serverutil.RunServer(gctx, newRouter(a.orch, a.store), srv, logger)
	})
	if cfg.Kafka.Enabled {
		consumer := kafkautil.NewConsumer[dm.RunRequest](kafkautil.Config{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.GroupID,
			Topic:   cfg.Kafka.RequestTopic,
		}, logger)
		defer consumer.Close()
		g.Go(func() error {
			logger.Info("consuming run requests", lg.String("topic", cfg.Kafka.RequestTopic))
			return consumer.Run(gctx, submitHandler(a.orch))
		})
	}

	err = g.Wait()
	logger.Info("waiting for submitted executions to finish")
	a.orch.Wait()
	return err
}

// submitHandler turns a Kafka run request into a submitted execution.
func submitHandler(orch *orchestrator.Orchestrator) func(context.Context, dm.RunRequest) error {
	validate := validator.New()
	return func(ctx context.Context, req dm.RunRequest) error {
		if err := validate.Struct(req); err != nil {
			return fmt.Errorf("invalid run request: %w", err)
		}
		ex, err := orch.Submit(ctx, req.JobID)
		if err != nil {
			return fmt.Errorf("submit job %d: %w", req.JobID, err)
		}
		lg.FromContext(ctx).Info("execution submitted", lg.String("execution_id", ex.ID), lg.Int64("job_id", req.JobID))
		return nil
	}
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	ex, err := a.orch.Run(ctx, flagJobID)
	if ex == nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "    ")
	if encErr := enc.Encode(ex); encErr != nil {
		return encErr
	}
	if flagOut != "" {
		if werr := persistence.WriteJSON(ex, flagOut); werr != nil {
			return werr
		}
	}
	if err != nil {
		return err
	}
	if ex.Status != dm.StatusSuccess {
		return fmt.Errorf("execution %s finished with status %s", ex.ID, ex.Status)
	}
	return nil
}

func doProbe(cmd *cobra.Command, _ []string) error {
	req := dm.ProbeRequest{
		Host:     flagHost,
		Port:     flagPort,
		Username: flagUser,
		AuthMode: dm.AuthPassword,
		Password: flagPassword,
	}
	if flagKeyFile != "" {
		key, err := os.ReadFile(flagKeyFile)
		if err != nil {
			return fmt.Errorf("read key file: %w", err)
		}
		req.AuthMode, req.Password, req.PrivateKey = dm.AuthKey, "", string(key)
	}

	client, err := executor.NewSSHClient(cfg.SSH.Executor(), logger)
	if err != nil {
		return err
	}
	res := orchestrator.New(nil, client, nil, orchestrator.WithLogger(logger)).Probe(cmd.Context(), req)
	fmt.Fprintln(cmd.OutOrStdout(), res.Message)
	if !res.Success {
		return errors.New("probe failed")
	}
	return nil
}

func doEncrypt(cmd *cobra.Command, _ []string) error {
	c, err := cipher.New(cfg.Security.EncryptionKey)
	if err != nil {
		return fmt.Errorf("credential cipher (set %s): %w", config.EnvEncryptionKey, err)
	}
	secret, err := readSecret(cmd.InOrStdin())
	if err != nil {
		return err
	}
	token, err := c.Encrypt(secret)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

// readSecret reads all of r and drops one trailing newline, so both piped
// passwords and PEM files round-trip.
func readSecret(r io.Reader) (string, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	s := strings.TrimSuffix(strings.TrimSuffix(string(raw), "\n"), "\r")
	if s == "" {
		return "", errors.New("empty secret on stdin")
	}
	return s, nil
}

func doEnqueue(cmd *cobra.Command, _ []string) error {
	if len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("no Kafka brokers configured (set kafka.brokers or %s)", config.EnvKafkaBrokers)
	}
	p := kafkautil.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.RequestTopic, logger)
	defer p.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	if err := p.Request(ctx, dm.RunRequest{JobID: flagJobID}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "queued job %d on %s\n", flagJobID, cfg.Kafka.RequestTopic)
	return nil
}

func doConfigInit(cmd *cobra.Command, _ []string) error {
	if _, err := os.Stat(flagConfigOut); err == nil && !flagForceWrite {
		return fmt.Errorf("%s exists, use --force to overwrite", flagConfigOut)
	}
	if err := config.Default().Save(filestore.New(flagConfigOut)); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", flagConfigOut)
	return nil
}
