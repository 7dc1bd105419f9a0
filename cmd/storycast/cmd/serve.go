package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/storycast/storycast/pkg/api"
	"github.com/storycast/storycast/pkg/config"
	"github.com/storycast/storycast/pkg/engines"
	"github.com/storycast/storycast/pkg/logging"
	"github.com/storycast/storycast/pkg/metrics"
	"github.com/storycast/storycast/pkg/middleware"
	"github.com/storycast/storycast/pkg/models"
	"github.com/storycast/storycast/pkg/pipeline"
	"github.com/storycast/storycast/pkg/shutdown"
	"github.com/storycast/storycast/pkg/store"
	tlspkg "github.com/storycast/storycast/pkg/tls"
	"github.com/storycast/storycast/pkg/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the storycast API server",
	Long:  `Start the HTTP API, the metrics endpoint and the background generation scheduler.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.Server.LogLevel), cfg.Server.LogJSON)
	logger.Info("starting storycast server", map[string]interface{}{
		"port":         cfg.Server.Port,
		"metrics_port": cfg.Server.MetricsPort,
		"storage":      cfg.Storage.Path,
	})

	st, err := store.NewLocalStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	m := metrics.New()

	eng := pipeline.Engines{
		Speech:     engines.NewSpeech(cfg.Engines.SpeechURL, cfg.Engines.APIKey, cfg.Engines.Timeout, logger),
		Transcribe: engines.NewTranscriber(cfg.Engines.TranscriberURL, cfg.Engines.APIKey, cfg.Engines.Timeout, logger),
		Cover:      engines.NewCoverRenderer(cfg.Engines.CoverURL, cfg.Engines.APIKey, cfg.Engines.Timeout, logger),
		Clips:      engines.NewClipLibrary(cfg.Engines.ClipsURL, cfg.Engines.APIKey, cfg.Engines.Timeout, logger),
	}
	compositor := engines.NewCompositor(cfg.Engines.CompositorURL, cfg.Engines.APIKey, cfg.Engines.Timeout, logger)
	eng.Compositor = compositor
	eng.Prober = compositor
	if cfg.Engines.EnhancerURL != "" {
		eng.Enhancer = engines.NewEnhancer(cfg.Engines.EnhancerURL, cfg.Engines.APIKey, cfg.Engines.Timeout, logger)
	}

	orch := pipeline.New(st, eng, pipeline.Settings{
		EndSilence:   cfg.Video.EndSilence,
		WatermarkRef: models.ArtifactRef(cfg.Video.WatermarkRef),
	}, logger)
	orch.SetMetrics(m)

	w := worker.New(cfg.Worker.MaxParallel, cfg.Worker.PollInterval,
		worker.WithLogger(logger),
		worker.WithMetrics(m),
	)
	w.Start()

	scraper := engines.NewRedditSource(logger)
	handler := api.NewHandler(st, w, orch, scraper, eng.Enhancer, cfg.Speech.DefaultRate, logger)

	router := mux.NewRouter()
	router.Use(middleware.RequestLogging(logger))
	router.Use(middleware.APIKeyAuth(cfg.Server.APIKey))
	handler.RegisterRoutes(router)

	apiServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	if cfg.Server.TLSCert != "" {
		tlsConfig, err := tlspkg.LoadTLSConfig(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			return err
		}
		apiServer.TLSConfig = tlsConfig
	}
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: m.Handler(),
	}

	go func() {
		logger.Info("metrics listening", map[string]interface{}{"addr": metricsServer.Addr})
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", map[string]interface{}{"error": err.Error()})
		}
	}()
	go func() {
		logger.Info("api listening", map[string]interface{}{
			"addr": apiServer.Addr,
			"tls":  apiServer.TLSConfig != nil,
		})
		var serveErr error
		if apiServer.TLSConfig != nil {
			serveErr = apiServer.ListenAndServeTLS("", "")
		} else {
			serveErr = apiServer.ListenAndServe()
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Error("api server failed", map[string]interface{}{"error": serveErr.Error()})
		}
	}()

	// teardown order: stop accepting requests, stop admitting jobs, wait for
	// running jobs to drain, then the metrics endpoint last
	mgr := shutdown.New(30*time.Second, logger)
	mgr.Register(shutdown.StopHTTPServer(metricsServer, "metrics"))
	mgr.Register(func(ctx context.Context) error {
		w.Stop()
		return nil
	})
	mgr.Register(shutdown.WaitForJobs(func() bool {
		return len(w.Status()) == 0
	}, 500*time.Millisecond, "generation jobs"))
	mgr.Register(shutdown.StopHTTPServer(apiServer, "api"))
	mgr.Wait()
	return nil
}
