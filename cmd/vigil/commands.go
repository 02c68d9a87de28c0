package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/bdougie/vigil/internal/analyzer"
	"github.com/bdougie/vigil/internal/detector"
	"github.com/bdougie/vigil/internal/embeddings"
	"github.com/bdougie/vigil/internal/events"
	"github.com/bdougie/vigil/internal/extractor"
	"github.com/bdougie/vigil/internal/indexer"
	"github.com/bdougie/vigil/internal/metrics"
	"github.com/bdougie/vigil/internal/models"
	"github.com/bdougie/vigil/internal/pipeline"
	"github.com/bdougie/vigil/internal/publisher"
	"github.com/bdougie/vigil/internal/status"
	"github.com/bdougie/vigil/internal/storage"
)

func (a *app) openStore(ctx context.Context) (*storage.PostgresStorage, error) {
	store, err := storage.NewPostgresStorage(ctx, a.settings.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return store, nil
}

func (a *app) newIndexer(store storage.EmbeddingStore, m *metrics.Metrics) (*indexer.Indexer, error) {
	embedder, err := embeddings.NewOllamaEmbedder(a.settings.Embeddings(), a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return indexer.New(store, embedder, m, a.logger), nil
}

// serveMetrics exposes registry on addr until ctx is done
func (a *app) serveMetrics(ctx context.Context, registry *prometheus.Registry, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		a.logger.Info("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func runCommand(a *app) *cobra.Command {
	var videos []string

	cmd := &cobra.Command{
		Use:   "run [video.mp4...]",
		Short: "Process every unprocessed video in the input directory",
		Long: "Recover videos left running by a crash, then process each .mp4 in VIDEO_INPUT_PATH " +
			"in name order. Named videos limit the run to those files; only their base name is used.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s := a.settings

			registry := prometheus.NewRegistry()
			m, err := metrics.NewMetrics(registry)
			if err != nil {
				return err
			}
			if s.MetricsAddr != "" {
				serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
				defer cancel()
				a.serveMetrics(serveCtx, registry, s.MetricsAddr)
			}

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			ix, err := a.newIndexer(store, m)
			if err != nil {
				return err
			}

			vision, err := analyzer.NewOllamaVision(s.Vision(), m, a.logger)
			if err != nil {
				return fmt.Errorf("failed to create vision client: %w", err)
			}
			extract := analyzer.NewAttributeExtractor(vision, s.CaptionMaxImageDim, a.logger)
			enricher := analyzer.NewEnricher(store, extract, ix, s.EnrichWorkers, m, a.logger)

			var pub publisher.Publisher = publisher.Noop{}
			if s.MQTTBroker != "" {
				mp, err := publisher.NewMQTTPublisher(publisher.MQTTConfig{
					Broker:   s.MQTTBroker,
					Topic:    s.MQTTTopic,
					ClientID: "vigil-" + s.CameraID,
				}, m, a.logger)
				if err != nil {
					a.logger.Warn("event publishing disabled", "error", err)
				} else {
					pub = mp
				}
			}
			defer pub.Close()

			frameCfg := extractor.DefaultConfig()
			opener := pipeline.SourceOpenerFunc(func(ctx context.Context, path string) (pipeline.FrameSource, error) {
				src, err := extractor.Open(ctx, frameCfg, path, s.FrameSampleFPS, a.logger)
				if err != nil {
					return nil, err
				}
				return src, nil
			})

			machine := status.NewMachine(store, a.logger)
			proc := pipeline.NewProcessor(pipeline.Config{
				DataDir:           s.VideoInputPath,
				CameraID:          s.CameraID,
				CropMinConfidence: s.CropMinConfidence,
				ProgressEvery:     s.ProgressEvery,
			}, pipeline.Deps{
				Store:       store,
				Machine:     machine,
				Opener:      opener,
				Detector:    detector.NewClient(s.Detector(), a.logger),
				Synthesizer: events.NewSynthesizer(s.DwellThreshold, s.ExitGap),
				Indexer:     ix,
				Enricher:    enricher,
				Publisher:   pub,
				Metrics:     m,
			}, a.logger)

			if len(videos) > 0 || len(args) > 0 {
				if _, err := machine.RecoverStale(ctx); err != nil {
					return err
				}
				var names []string
				for _, v := range append(videos, args...) {
					names = append(names, filepath.Base(v))
				}
				return proc.RunVideos(ctx, names)
			}
			return proc.Run(ctx)
		},
	}

	cmd.Flags().StringSliceVar(&videos, "video", nil, "Video file name under the input directory (repeatable)")
	return cmd
}

func indexCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Embed every detection and track event that has no vector yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			ix, err := a.newIndexer(store, nil)
			if err != nil {
				return err
			}

			n, err := ix.IndexUnindexed(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d records\n", n)
			return nil
		},
	}
}

func statusCommand(a *app) *cobra.Command {
	var filter string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "List the processing status of every known video",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			rows, err := store.ListStatuses(ctx, models.Status(filter))
			if err != nil {
				return err
			}
			printStatuses(cmd.OutOrStdout(), rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&filter, "status", "", "Only show videos in this state (pending, running, completed, failed, skipped)")
	return cmd
}

func printStatuses(w io.Writer, rows []models.ProcessingStatus) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VIDEO\tSTATUS\tFRAMES\tDETECTIONS\tERRORS\tENRICHED\tLAST ERROR")
	for _, r := range rows {
		enriched := "-"
		if r.EnrichmentCompleted && r.EnrichmentCount != nil {
			enriched = fmt.Sprintf("%d tracks", *r.EnrichmentCount)
		}
		lastErr := ""
		if r.LastError != nil {
			lastErr = *r.LastError
		}
		frames := fmt.Sprintf("%d", r.FramesProcessed)
		if r.TotalFrames != nil {
			frames = fmt.Sprintf("%d/%d (%.0f%%)", r.FramesProcessed, *r.TotalFrames, r.Progress()*100)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.VideoID, r.Status, frames, r.DetectionsSeen, r.ErrorCount, enriched, lastErr)
	}
	_ = tw.Flush()
}

func resetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <video.mp4>...",
		Short: "Forget the status of videos so the next run processes them again",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			machine := status.NewMachine(store, a.logger)
			var errs []error
			for _, name := range args {
				if err := machine.Reset(ctx, name); err != nil {
					if errors.Is(err, storage.ErrNotFound) {
						fmt.Fprintf(os.Stderr, "%s: no status recorded\n", name)
						continue
					}
					errs = append(errs, fmt.Errorf("%s: %w", name, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: reset\n", name)
			}
			return errors.Join(errs...)
		},
	}
}

func migrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := storage.InitSchema(cmd.Context(), a.settings.DB.ConnString(), a.settings.EmbedDim); err != nil {
				return err
			}
			a.logger.Info("schema ready", "embedding_dim", a.settings.EmbedDim)
			return nil
		},
	}
}
