package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/activation"
	"github.com/mordilloSan/go-logger/logger"

	"github.com/mordilloSan/truenas-passwd/common/config"
	"github.com/mordilloSan/truenas-passwd/common/session"
	"github.com/mordilloSan/truenas-passwd/common/version"
	"github.com/mordilloSan/truenas-passwd/webserver/appliance"
	"github.com/mordilloSan/truenas-passwd/webserver/auth"
	"github.com/mordilloSan/truenas-passwd/webserver/metrics"
	"github.com/mordilloSan/truenas-passwd/webserver/smbprobe"
	"github.com/mordilloSan/truenas-passwd/webserver/web"
)

// initLogger configures log levels. Interactive commands stay quiet unless
// verbose.
func initLogger(verbose, server bool) {
	var levels []logger.Level
	switch {
	case verbose:
		levels = logger.AllLevels() // Includes DEBUG
	case server:
		levels = []logger.Level{logger.InfoLevel, logger.WarnLevel, logger.ErrorLevel}
	default:
		levels = []logger.Level{logger.WarnLevel, logger.ErrorLevel}
	}
	logger.Init(logger.Config{
		Levels: levels,
	})
}

func loadSettings(configFile, envFile string) (*config.Settings, error) {
	settings, err := config.Load(config.Options{ConfigFile: configFile, EnvFile: envFile})
	if err != nil {
		return nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return settings, nil
}

// newApplianceService builds an unconnected client. The SMB probe is added
// when enabled in settings.
func newApplianceService(s *config.Settings, rec metrics.Recorder) appliance.Service {
	opts := []appliance.Option{appliance.WithRecorder(rec)}
	if pc, ok := s.SMBProbeConfig(); ok {
		opts = append(opts, appliance.WithProbes(smbprobe.New(pc)))
	}
	return appliance.New(s.ApplianceConfig(), opts...)
}

// requestTimeout bounds one connect, login and password update.
func requestTimeout(s *config.Settings) time.Duration {
	a := s.Appliance
	return a.ConnectTimeout + 2*a.CallTimeout + a.SMBTimeout
}

func RunServer(cfg ServerConfig) {
	// -------------------------------------------------------------------------
	// Logging (from flags)
	// -------------------------------------------------------------------------
	initLogger(cfg.Verbose, true)
	logger.InfoKV("server starting", "verbose", cfg.Verbose, "version", version.Version)

	// -------------------------------------------------------------------------
	// Settings
	// -------------------------------------------------------------------------
	settings, err := loadSettings(cfg.ConfigFile, cfg.EnvFile)
	if err != nil {
		logger.Errorf("failed to load settings: %v", err)
		os.Exit(1)
	}
	if cfg.Port > 0 {
		settings.Server.Port = cfg.Port
	}
	logger.Infof("appliance %s (%s)", settings.ApplianceConfig(), settings.Appliance.Dialect)
	if settings.Appliance.APIKey == "" {
		logger.Warnf("no %s set; password changes are disabled", config.EnvAPIKey)
	}

	rec := metrics.Init(settings.Server.Metrics)
	var metricsHandler http.Handler
	if settings.Server.Metrics {
		metricsHandler = metrics.Handler()
	}

	// -------------------------------------------------------------------------
	// Sessions + cleanup hooks
	// -------------------------------------------------------------------------
	cookie := session.DefaultConfig.Cookie
	cookie.Secure = settings.Server.SecureCookie
	sm := session.NewManager(session.New(), session.SessionConfig{
		RefreshThrottle: session.DefaultConfig.RefreshThrottle,
		GCInterval:      session.DefaultConfig.GCInterval,
		Cookie:          cookie,
	})
	sm.RegisterOnDelete(func(sess *session.Session, reason session.DeleteReason) {
		logger.DebugKV("session ended", "user", sess.Username, "reason", string(reason))
	})

	// -------------------------------------------------------------------------
	// Router
	// -------------------------------------------------------------------------
	handlers := &auth.Handlers{
		SM: sm,
		NewService: func() appliance.Service {
			return newApplianceService(settings, rec)
		},
		Timeout: requestTimeout(settings),
	}
	router := web.BuildRouter(web.Config{
		Verbose:        cfg.Verbose,
		Recorder:       rec,
		MetricsHandler: metricsHandler,
		RegisterRoutes: func(mux *http.ServeMux) {
			auth.RegisterAuthRoutes(mux, handlers)
		},
	})

	// -------------------------------------------------------------------------
	// Request tracking for idle-exit
	// -------------------------------------------------------------------------
	var inFlight atomic.Int64
	var lastHit atomic.Int64
	lastHit.Store(time.Now().UnixNano())

	// Wrap router with request tracking middleware
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastHit.Store(time.Now().UnixNano())
		inFlight.Add(1)
		defer inFlight.Add(-1)
		router.ServeHTTP(w, r)
	})

	// -------------------------------------------------------------------------
	// HTTP(S) server
	// -------------------------------------------------------------------------
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", settings.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          web.NewErrorLog(),
	}
	if settings.Server.TLS {
		cert, cErr := web.LoadOrGenerateCert(settings.Server.CertFile, settings.Server.KeyFile, "localhost")
		if cErr != nil {
			logger.Errorf("failed to load certificate: %v", cErr)
			os.Exit(1)
		}
		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	quit := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		// -------- systemd socket activation first ----------
		listeners, actErr := activation.Listeners()
		if actErr != nil {
			logger.Warnf("activation.Listeners error: %v", actErr)
		}
		if len(listeners) > 0 {
			var stopOnce sync.Once
			servStopped := make(chan struct{})
			stop := func() { stopOnce.Do(func() { close(servStopped) }) }

			for _, l := range listeners {
				if srv.TLSConfig != nil {
					l = tls.NewListener(l, srv.TLSConfig)
				}
				go func(lis net.Listener) {
					if e := srv.Serve(lis); e != nil && e != http.ErrServerClosed {
						logger.Errorf("server error: %v", e)
						os.Exit(1)
					}
					stop()
				}(l)
			}
			logger.Infof("Socket-activated server listening on %d inherited socket(s)", len(listeners))

			// Start idle-exit only in socket-activation mode
			const idleGrace = 90 * time.Second
			const checkEvery = 15 * time.Second
			startSocketIdleExitWatcher(
				srv, sm, &inFlight, &lastHit,
				idleGrace, checkEvery,
				func(msg string, args ...any) { logger.Infof(msg, args...) },
			)

			// Block until Serve() exits (due to Shutdown or error)
			<-servStopped
			close(done)
			return
		}

		// -------- fallback: self-bind (manual runs) ----------
		var err error
		if srv.TLSConfig != nil {
			logger.Infof("HTTPS server (self-bound) at https://localhost:%d", settings.Server.Port)
			err = srv.ListenAndServeTLS("", "")
		} else {
			logger.Warnf("TLS disabled; serving plain HTTP at http://localhost:%d", settings.Server.Port)
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
		close(done)
	}()

	// -------------------------------------------------------------------------
	// Shutdown coordination
	// -------------------------------------------------------------------------
	select {
	case <-quit:
		logger.Infof("Shutdown signal received")
	case <-done:
		logger.Infof("HTTP server stopped, beginning shutdown...")
	}

	srv.SetKeepAlivesEnabled(false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warnf("Graceful HTTP shutdown timed out; forcing close of remaining connections.")
			if cerr := srv.Close(); cerr != nil && !errors.Is(cerr, http.ErrServerClosed) {
				logger.Warnf("HTTP server force-close error: %v", cerr)
			}
		} else {
			logger.Warnf("HTTP server shutdown error: %v", err)
		}
	} else {
		logger.Infof("HTTP server closed")
	}

	// End remaining sessions so hooks see a reason
	if sessions, err := sm.ActiveSessions(); err == nil {
		for _, sess := range sessions {
			_ = sm.DeleteSession(sess.SessionID, session.ReasonServerQuit)
		}
	}
	sm.Close()

	logger.Infof("Server stopped.")
}

func startSocketIdleExitWatcher(
	srv *http.Server,
	sm *session.Manager,
	inFlight *atomic.Int64,
	lastHit *atomic.Int64,
	idleGrace time.Duration,
	checkEvery time.Duration,
	logf func(string, ...any),
) {
	if idleGrace <= 0 || checkEvery <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(checkEvery)
		defer t.Stop()
		for range t.C {
			if !idle(sm, inFlight, lastHit, idleGrace) {
				continue
			}
			logf("Idle for %v with no active sessions, exiting (socket keeps the port open)", idleGrace)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = srv.Shutdown(ctx)
			cancel()
			return
		}
	}()
}

// idle reports no running requests, no recent hits and no live sessions.
func idle(sm *session.Manager, inFlight, lastHit *atomic.Int64, grace time.Duration) bool {
	if inFlight.Load() > 0 {
		return false
	}
	if time.Since(time.Unix(0, lastHit.Load())) < grace {
		return false
	}
	act, err := sm.ActiveSessions()
	if err != nil {
		return false
	}
	return len(act) == 0
}
