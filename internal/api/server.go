// Package api exposes the printer registry over HTTP: REST endpoints for
// connection and job control, a websocket event stream, and Prometheus
// metrics.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfab/printhost/internal/api/handlers"
	"github.com/openfab/printhost/internal/api/middleware"
	"github.com/openfab/printhost/internal/archive"
	"github.com/openfab/printhost/internal/config"
	"github.com/openfab/printhost/internal/core"
)

type ServerOptions struct {
	Registry *core.Registry
	Auth     *middleware.AuthMiddleware
	Hub      *Hub
	Archiver *archive.Archiver
	Gatherer prometheus.Gatherer
	Version  string
	Logger   *slog.Logger
}

type Server struct {
	httpSrv *http.Server
	log     *slog.Logger
}

func NewServer(cfg config.ServerConfig, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	printers := handlers.NewPrinterHandler(opts.Registry)
	jobs := handlers.NewJobHandler(opts.Registry)
	system := handlers.NewSystemHandler(opts.Registry, opts.Archiver, opts.Version)

	router.GET("/healthz", system.Health)
	if opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	auth := router.Group("/api/auth")
	{
		auth.POST("/login", opts.Auth.LoginHandler)
		auth.POST("/logout", opts.Auth.LogoutHandler)
		auth.GET("/status", opts.Auth.StatusHandler)
		auth.POST("/setup", opts.Auth.SetupHandler)
		auth.POST("/change-password", opts.Auth.RequireAuth(), opts.Auth.ChangePasswordHandler)
	}

	apiGroup := router.Group("/api", opts.Auth.RequireAuth())
	{
		apiGroup.GET("/ports", printers.ListPorts)

		printerGroup := apiGroup.Group("/printers")
		{
			printerGroup.GET("", printers.ListPrinters)
			printerGroup.GET("/known", printers.ListKnownPrinters)
			printerGroup.GET("/status", printers.GetPrinter)
			printerGroup.GET("/firmware", printers.GetFirmware)
			printerGroup.GET("/commands", printers.ListCommandLog)
			printerGroup.POST("/connect", printers.ConnectPrinter)
			printerGroup.POST("/disconnect", printers.DisconnectPrinter)
			printerGroup.POST("/command", printers.SendCommand)
		}

		jobGroup := apiGroup.Group("/jobs")
		{
			jobGroup.GET("", jobs.ListJobs)
			jobGroup.GET("/detail", jobs.GetJob)
			jobGroup.GET("/active", jobs.GetActiveJob)
			jobGroup.POST("/upload", jobs.UploadJob)
			jobGroup.POST("/start", jobs.StartJob)
			jobGroup.POST("/pause", jobs.PauseJob)
			jobGroup.POST("/resume", jobs.ResumeJob)
			jobGroup.POST("/stop", jobs.StopJob)
		}

		systemGroup := apiGroup.Group("/system")
		{
			systemGroup.GET("/info", system.Info)
			systemGroup.GET("/archives", system.ListArchives)
			systemGroup.POST("/archive", system.RunArchive)
		}

		if opts.Hub != nil {
			apiGroup.GET("/ws", opts.Hub.Handler)
		}
	}

	return &Server{
		httpSrv: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		log: logger,
	}
}

// Run blocks serving requests until Shutdown is called or the listener
// fails.
func (s *Server) Run() error {
	s.log.Info("http server listening", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency", time.Since(start),
		}
		switch {
		case status >= 500:
			logger.Error("request", attrs...)
		case status >= 400:
			logger.Warn("request", attrs...)
		default:
			logger.Debug("request", attrs...)
		}
	}
}
