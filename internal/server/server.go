// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server wires the WebDAV handler, its stores and the HTTP
// listeners into one process lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"webdavd/internal/config"
	"webdavd/internal/dav"
	"webdavd/internal/locks"
	"webdavd/internal/metrics"
	"webdavd/internal/pathres"
	"webdavd/internal/props"
	"webdavd/internal/serial"
	"webdavd/internal/state"
)

// State file names under the state directory
const (
	LocksFile    = "locks.json"
	PropsFile    = "props.json"
	InstanceLock = "webdavd.lock"
)

// Server owns the stores and listeners of one webdavd instance
type Server struct {
	cfg     *config.Config
	locks   *locks.Store
	props   *props.Store
	metrics *metrics.Metrics
	handler http.Handler

	instance *flock.Flock
	http     *http.Server
	metricsS *http.Server

	closeOnce sync.Once
	closeErr  error
}

// New prepares the directories, takes the instance lock on the state
// directory and restores persisted locks and properties. The config must
// already be finalized.
func New(cfg *config.Config) (*Server, error) {
	for _, dir := range []string{cfg.Root, cfg.TrashDir, cfg.StateDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	instance := flock.New(filepath.Join(cfg.StateDir, InstanceLock))
	locked, err := instance.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire instance lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("another webdavd instance is using state directory %s", cfg.StateDir)
	}

	s, err := newServer(cfg, instance)
	if err != nil {
		_ = instance.Unlock()
		return nil, err
	}
	return s, nil
}

func newServer(cfg *config.Config, instance *flock.Flock) (*Server, error) {
	var m *metrics.Metrics
	if cfg.Metrics.Enabled() {
		m = metrics.New()
	}

	fsys := osfs.New("/")
	resolver, err := pathres.New(cfg.Root, cfg.MaxDepth, cfg.Hide, cfg.TrashDir, cfg.StateDir)
	if err != nil {
		return nil, err
	}

	lockStore := locks.NewStore(state.NewFile(fsys, filepath.Join(cfg.StateDir, LocksFile)), m.ObservePersist)
	if err := lockStore.Load(); err != nil {
		log.Warnf("[Server] failed to restore locks, starting empty: %v", err)
	}
	propStore := props.NewStore(state.NewFile(fsys, filepath.Join(cfg.StateDir, PropsFile)), m.ObservePersist)
	if err := propStore.Load(); err != nil {
		log.Warnf("[Server] failed to restore dead properties, starting empty: %v", err)
	}

	writes := serial.New()
	m.RegisterGauges(lockStore.Len, propStore.Len, writes.Waiting)

	h := dav.NewHandler(dav.Options{
		FS:                 fsys,
		Resolver:           resolver,
		Locks:              lockStore,
		Props:              propStore,
		Serial:             writes,
		Metrics:            m,
		Prefix:             cfg.Prefix,
		TrashDir:           cfg.TrashDir,
		Username:           cfg.Auth.Username,
		Password:           cfg.Auth.Password,
		DefaultLockTimeout: cfg.Locks.Default(),
		MaxLockTimeout:     cfg.Locks.Max(),
		MaxUploadBytes:     cfg.MaxUploadBytes,
		CORS:               cfg.CORS,
	})

	return &Server{
		cfg:      cfg,
		locks:    lockStore,
		props:    propStore,
		metrics:  m,
		handler:  NewRouter(h, m),
		instance: instance,
	}, nil
}

// Handler returns the routed WebDAV handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then shuts down gracefully and
// flushes state.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.http = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 2)
	go func() {
		log.WithFields(log.Fields{
			"addr":   ln.Addr().String(),
			"root":   s.cfg.Root,
			"prefix": s.cfg.Prefix,
			"auth":   s.cfg.Auth.Enabled(),
		}).Info("[Server] WebDAV listening")
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("WebDAV server failed: %w", err)
		}
	}()

	if s.metrics != nil {
		s.metricsS = &http.Server{
			Addr:              s.cfg.Metrics.Listen,
			Handler:           s.metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Infof("[Server] metrics listening on %s", s.cfg.Metrics.Listen)
			if err := s.metricsS.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server failed: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("[Server] shutdown signal received")
	case runErr = <-errCh:
		log.Errorf("[Server] %v", runErr)
	}

	// ctx is already cancelled here; give in-flight requests their own budget
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		log.Warnf("[Server] WebDAV shutdown: %v", err)
	}
	if s.metricsS != nil {
		if err := s.metricsS.Shutdown(shutdownCtx); err != nil {
			log.Warnf("[Server] metrics shutdown: %v", err)
		}
	}

	if err := s.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Close flushes both stores and releases the instance lock
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.locks.Close(); err != nil {
			errs = append(errs, fmt.Errorf("flush locks: %w", err))
		}
		if err := s.props.Close(); err != nil {
			errs = append(errs, fmt.Errorf("flush properties: %w", err))
		}
		if s.instance != nil {
			if err := s.instance.Unlock(); err != nil {
				errs = append(errs, fmt.Errorf("release instance lock: %w", err))
			}
		}
		s.closeErr = errors.Join(errs...)
		log.Info("[Server] stopped")
	})
	return s.closeErr
}
