// Package server implements the on-demand development server: each request
// is mapped to a mounted source file, built through the plugin pipeline
// once, cached, import-resolved and served. File changes invalidate the
// cache and are pushed to browsers over the ESM-HMR websocket.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/conneroisu/snowdrift/internal/build"
	"github.com/conneroisu/snowdrift/internal/config"
	"github.com/conneroisu/snowdrift/internal/errors"
	"github.com/conneroisu/snowdrift/internal/hmr"
	"github.com/conneroisu/snowdrift/internal/logging"
	"github.com/conneroisu/snowdrift/internal/project"
	"github.com/conneroisu/snowdrift/internal/validation"
	"github.com/conneroisu/snowdrift/internal/watcher"
)

// watchDelay is the quiet period that closes a batch of file events.
const watchDelay = 50 * time.Millisecond

// Options configures a DevServer.
type Options struct {
	// Watch starts a file watcher over every mount in Start.
	Watch bool
	// CacheSize bounds the number of cached FileBuilders; 0 is unbounded.
	CacheSize int
	// OpenBrowser replaces the platform browser launcher.
	OpenBrowser func(url string) error
}

// DevServer serves a project's mounted files.
type DevServer struct {
	cfg      *config.Config
	project  *project.Project
	opts     Options
	logger   logging.Logger
	hmr      *hmr.Engine
	services *build.Services
	cache    *build.Cache
	files    *OneToManyMap

	etagsMu sync.RWMutex
	etags   map[string]string

	// etagFiles indexes the request paths in etags by source file.
	etagFiles map[string]map[string]struct{}

	prepareOnce sync.Once
	prepareErr  error

	watcher      *watcher.FileWatcher
	serverMutex  sync.RWMutex
	httpServer   *http.Server
	shutdownOnce sync.Once
}

// New creates a DevServer for p. HMR is on when the config enables it.
func New(p *project.Project, opts Options) *DevServer {
	cfg := p.Config
	logger := p.Logger.WithComponent("server")

	var engine *hmr.Engine
	if cfg.DevOptions.HMR {
		engine = hmr.New(hmr.Options{
			Delay:  time.Duration(cfg.DevOptions.HMRDelay) * time.Millisecond,
			Logger: p.Logger,
		})
	}

	return &DevServer{
		cfg:      cfg,
		project:  p,
		opts:     opts,
		logger:   logger,
		hmr:      engine,
		services: p.Services(engine),
		cache:    build.NewCache(opts.CacheSize, 0),
		files:    NewOneToManyMap(),
		etags:    map[string]string{},

		etagFiles: map[string]map[string]struct{}{},
	}
}

// HMR returns the hot replacement engine, nil when HMR is off.
func (s *DevServer) HMR() *hmr.Engine {
	return s.hmr
}

// Cache returns the in-memory build cache.
func (s *DevServer) Cache() *build.Cache {
	return s.cache
}

// Prepare warms the package source and indexes every mounted file with
// its URLs. It runs once; later calls return the first result.
func (s *DevServer) Prepare(ctx context.Context) error {
	s.prepareOnce.Do(func() {
		perf := logging.StartOperation(s.logger, "prepare")
		if err := s.project.Packages.Prepare(ctx); err != nil {
			s.prepareErr = err
			perf.EndWithError(ctx, err)
			return
		}
		files, err := build.ListFiles(s.cfg.Root, s.project.Mapper, s.cfg.ExcludeGlobs())
		if err != nil {
			s.prepareErr = err
			perf.EndWithError(ctx, err)
			return
		}
		for _, f := range files {
			s.files.Add(f.Path, s.project.Mapper.URLsForFile(f.Path))
		}
		perf.End(ctx, fmt.Sprintf("indexed %d mounted files", len(files)))
	})
	return s.prepareErr
}

// Handler returns the server's handler with request logging.
func (s *DevServer) Handler() http.Handler {
	return s.withRequestLog(s)
}

// Start prepares the project, starts the watcher when enabled and serves
// until Shutdown is called.
func (s *DevServer) Start(ctx context.Context) error {
	if err := s.Prepare(ctx); err != nil {
		return err
	}
	if s.opts.Watch {
		if err := s.startWatcher(ctx); err != nil {
			return err
		}
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.DevOptions.Hostname, s.cfg.DevOptions.Port)
	s.serverMutex.Lock()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := s.httpServer
	s.serverMutex.Unlock()

	s.logger.Info(ctx, "server started", "url", "http://"+addr, "hmr", s.hmr != nil)
	if s.cfg.DevOptions.Open != "" && s.cfg.DevOptions.Open != "none" {
		go s.openBrowser(ctx, "http://"+addr)
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.NewIOError(errors.ErrCodeListenFailed, "cannot serve on "+addr, err)
	}
	return nil
}

func (s *DevServer) startWatcher(ctx context.Context) error {
	fw, err := watcher.NewFileWatcher(watcher.Options{
		Delay:   watchDelay,
		Exclude: s.cfg.ExcludeGlobs(),
		Root:    s.cfg.Root,
		Logger:  s.project.Logger,
	})
	if err != nil {
		return err
	}
	for _, mount := range s.project.Mapper.Mounts {
		if _, err := os.Stat(mount.DiskPath); err != nil {
			continue
		}
		if err := fw.AddRecursive(mount.DiskPath); err != nil {
			fw.Stop()
			return err
		}
	}
	fw.AddHandler(s.HandleChanges)
	if err := fw.Start(ctx); err != nil {
		return err
	}
	s.watcher = fw
	return nil
}

func (s *DevServer) openBrowser(ctx context.Context, url string) {
	time.Sleep(100 * time.Millisecond)

	open := s.opts.OpenBrowser
	if open == nil {
		open = func(url string) error { return launchBrowser(s.cfg.DevOptions.Open, url) }
	}
	if err := open(url); err != nil {
		s.logger.Warn(ctx, err, "cannot open browser", "url", url)
	}
}

// launchBrowser opens url in the named browser, or the platform default
// when browser is "default".
func launchBrowser(browser, url string) error {
	if err := validation.ValidateURL(url); err != nil {
		return err
	}
	if browser != "default" {
		if err := validation.ValidateBrowser(browser); err != nil {
			return err
		}
	}

	var cmd *exec.Cmd
	switch {
	case runtime.GOOS == "darwin" && browser == "default":
		cmd = exec.Command("open", url)
	case runtime.GOOS == "darwin":
		cmd = exec.Command("open", "-a", browser, url)
	case browser != "default":
		cmd = exec.Command(browser, url)
	case runtime.GOOS == "linux":
		cmd = exec.Command("xdg-open", url)
	case runtime.GOOS == "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform %s", runtime.GOOS)
	}
	return cmd.Start()
}

// Shutdown stops the watcher, closes HMR clients, shuts down the HTTP
// server and runs the plugins' cleanup.
func (s *DevServer) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.logger.Info(ctx, "shutting down server")
		if s.watcher != nil {
			if err := s.watcher.Stop(); err != nil {
				s.logger.Warn(ctx, err, "cannot stop file watcher")
			}
		}
		if s.hmr != nil {
			s.hmr.Stop()
		}

		s.serverMutex.RLock()
		server := s.httpServer
		s.serverMutex.RUnlock()
		if server != nil {
			shutdownErr = server.Shutdown(ctx)
		}

		if err := s.project.Pipeline.Cleanup(ctx); err != nil {
			s.logger.Warn(ctx, err, "plugin cleanup failed")
		}
		s.project.Close()
	})
	return shutdownErr
}
