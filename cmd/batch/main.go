package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/timmy/caseboard/internal/batch"
	"github.com/timmy/caseboard/internal/config"
	"github.com/timmy/caseboard/internal/domain"
	"github.com/timmy/caseboard/internal/logger"
	"github.com/timmy/caseboard/internal/remote"
	"github.com/timmy/caseboard/internal/storage"
	"github.com/timmy/caseboard/internal/tabular"
)

// paramFlags collects repeated -param key=value flags.
type paramFlags map[string]string

func (p paramFlags) String() string {
	parts := make([]string, 0, len(p))
	for k, v := range p {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (p paramFlags) Set(value string) error {
	k, v, ok := strings.Cut(value, "=")
	if !ok || strings.TrimSpace(k) == "" {
		return fmt.Errorf("expected key=value, got %q", value)
	}
	p[strings.TrimSpace(k)] = v
	return nil
}

func main() {
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "text",
		Output:      os.Stderr,
		ServiceName: "caseboard-batch",
	})
	logger.SetDefaultLogger(appLogger)

	params := paramFlags{}
	file := flag.String("file", "", "CSV file to submit (- for stdin)")
	dataset := flag.String("dataset", "", "Dataset name (defaults to the file name)")
	out := flag.String("out", "-", "Where to write reconciled records (- for stdout)")
	archive := flag.Bool("archive", false, "Archive the raw result payload to the configured storage")
	configPath := flag.String("config", "", "Path to config file")
	flag.Var(params, "param", "Job parameter key=value (repeatable)")
	flag.Parse()

	if *file == "" {
		appLogger.Fatal("-file is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}
	if cfg.Log.Level != "" {
		appLogger = logger.New(&logger.Config{
			Level:       cfg.Log.Level,
			Format:      "text",
			Output:      os.Stderr,
			ServiceName: "caseboard-batch",
		})
		logger.SetDefaultLogger(appLogger)
	}

	if err := cfg.Backend.Validate(); err != nil {
		appLogger.WithError(err).Fatal("Invalid backend configuration")
	}
	pollCfg, err := cfg.Poll.ToDomain()
	if err != nil {
		appLogger.WithError(err).Fatal("Invalid poll configuration")
	}

	payload, err := readInput(*file)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to read input")
	}
	if *dataset == "" {
		*dataset = *file
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, canceling...")
		cancel()
	}()

	var objectStorage storage.ObjectStorage
	if *archive {
		objectStorage, err = storage.NewStorage(ctx, cfg.Storage)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to initialize storage")
		}
	}

	client := remote.NewClient(remote.Config{
		BaseURL:   cfg.Backend.BaseURL,
		APIKey:    cfg.Backend.APIKey,
		Timeout:   cfg.Backend.Timeout,
		UserAgent: cfg.Backend.UserAgent,
	})
	orchestrator := batch.NewOrchestrator(
		client,
		batch.NewPoller(client),
		tabular.NewReconciler(cfg.Reconcile.StatusColumns, cfg.Reconcile.NegativeOutcomes),
	)

	ctx = logger.WithField(ctx, logger.FieldDataset, *dataset)
	result, err := orchestrator.Run(ctx, domain.BatchInput{
		Dataset:    *dataset,
		Payload:    payload,
		Parameters: params,
	}, batch.RunOptions{
		Poll: pollCfg,
		OnSubmit: func(h domain.JobHandle) {
			appLogger.WithField(logger.FieldJobID, h.ID).Info("Job submitted")
		},
		OnProgress: func(h domain.JobHandle) {
			appLogger.WithFields(logger.Fields{
				logger.FieldJobID: h.ID,
				"progress":        h.ProgressPercent,
				"processed":       h.ProcessedRecords,
				"total":           h.TotalRecords,
			}).Info("Job in progress")
		},
		OnPayload: func(jobID, payload string) {
			if objectStorage == nil {
				return
			}
			key := storage.ResultKey(cfg.Storage.Prefix, "cli", jobID)
			if err := objectStorage.Upload(ctx, key, strings.NewReader(payload), int64(len(payload)), "text/csv"); err != nil {
				appLogger.WithError(err).Warn("Failed to archive payload")
				return
			}
			appLogger.WithField("url", objectStorage.GetURL(key)).Info("Payload archived")
		},
	})
	if err != nil {
		if batch.IsCancelled(err) {
			appLogger.Warn("Batch cancelled")
			os.Exit(130)
		}
		appLogger.WithError(err).Fatal("Batch failed")
	}

	if err := writeOutput(*out, result); err != nil {
		appLogger.WithError(err).Fatal("Failed to write output")
	}

	appLogger.WithFields(logger.Fields{
		"total":         result.TotalParsed,
		"kept":          len(result.Records),
		"filtered":      result.FilteredOutCount,
		"status_column": result.StatusColumn,
	}).Info("Batch completed")
}

func readInput(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	}
	data, err := os.ReadFile(path)
	return string(data), err
}

func writeOutput(path string, result *domain.ReconciliationResult) error {
	if path == "-" {
		return writeResult(os.Stdout, result)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := writeResult(f, result); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeResult writes the kept records behind an id column, one line each.
func writeResult(w io.Writer, result *domain.ReconciliationResult) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, tabular.FormatLine(append([]string{"id"}, result.Headers...)))
	for _, rec := range result.Records {
		fmt.Fprintln(bw, tabular.FormatLine(append([]string{strconv.Itoa(rec.ID)}, rec.Ordered()...)))
	}
	return bw.Flush()
}
