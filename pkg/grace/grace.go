// Copyright 2018-2024 CERN
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
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package grace handles pid files and signal-driven shutdown of the
// daemon servers.
package grace

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Watcher ties the life of the process to its pid file and traps
// shutdown signals.
type Watcher struct {
	log      zerolog.Logger
	lns      []net.Listener
	ss       []Server
	pidFile  string
	cleanups []func()
}

// Option represent an option.
type Option func(w *Watcher)

// WithLogger adds a logger to the Watcher.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Watcher) {
		w.log = l
	}
}

// WithPIDFile specifies the pid file to use.
func WithPIDFile(fn string) Option {
	return func(w *Watcher) {
		w.pidFile = fn
	}
}

// NewWatcher creates a Watcher.
func NewWatcher(opts ...Option) *Watcher {
	w := &Watcher{
		log:     zerolog.Nop(),
		pidFile: path.Join(os.TempDir(), "arbord.pid"),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// AddCleanup registers a function run right before the process exits,
// in registration order.
func (w *Watcher) AddCleanup(fn func()) {
	w.cleanups = append(w.cleanups, fn)
}

// Exit exits the current process cleaning up existing pid files.
func (w *Watcher) Exit(errc int) {
	for _, fn := range w.cleanups {
		fn()
	}
	if err := w.clean(); err != nil {
		w.log.Warn().Err(err).Msg("error removing pid file")
	} else {
		w.log.Info().Msgf("pid file %q got removed", w.pidFile)
	}
	os.Exit(errc)
}

func (w *Watcher) clean() error {
	// only remove PID file if the PID has been written by us
	filePID, err := w.readPID()
	if err != nil {
		return err
	}

	if filePID != os.Getpid() {
		return fmt.Errorf("pid:%d in pidfile is different from pid:%d, it can be a leftover from a hard shutdown", filePID, os.Getpid())
	}

	return os.Remove(w.pidFile)
}

func (w *Watcher) readPID() (int, error) {
	piddata, err := os.ReadFile(w.pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(string(piddata))
	if err != nil {
		return 0, err
	}
	return pid, nil
}

// GetProcessFromFile reads the pidfile and returns the running process
// or an error if the process or file are not available.
func GetProcessFromFile(pfile string) (*os.Process, error) {
	data, err := os.ReadFile(pfile)
	if err != nil {
		return nil, err
	}

	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return nil, err
	}

	return os.FindProcess(pid)
}

// WritePID writes the pid to the configured pid file. It refuses to
// overwrite the pid of another live process.
func (w *Watcher) WritePID() error {
	if pid, err := w.readPID(); err == nil {
		if process, err := os.FindProcess(pid); err == nil {
			if err := process.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid already running: %d", pid)
			}
		}
	}

	if err := os.WriteFile(w.pidFile, []byte(strconv.Itoa(os.Getpid())), 0o664); err != nil {
		return err
	}
	w.log.Info().Msgf("pidfile written to %s", w.pidFile)
	return nil
}

// GetListeners creates one listener per server, in server order.
func (w *Watcher) GetListeners(servers []Server) ([]net.Listener, error) {
	w.ss = servers
	lns := []net.Listener{}
	for _, s := range servers {
		ln, err := net.Listen(s.Network(), s.Address())
		if err != nil {
			return nil, err
		}
		lns = append(lns, ln)
	}
	w.lns = lns
	return lns, nil
}

// Server is the interface that servers like HTTP or gRPC
// servers need to implement.
type Server interface {
	Stop() error
	GracefulStop() error
	Network() string
	Address() string
}

// TrapSignals captures the OS signals: SIGQUIT drains with a 10 second
// deadline, SIGINT and SIGTERM abort all connections.
func (w *Watcher) TrapSignals() {
	signalCh := make(chan os.Signal, 1024)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	for {
		s := <-signalCh
		w.log.Info().Msgf("%v signal received", s)

		switch s {
		case syscall.SIGQUIT:
			w.log.Info().Msg("preparing for a graceful shutdown with deadline of 10 seconds")
			go func() {
				count := 10
				for range time.Tick(time.Second) {
					w.log.Info().Msgf("shutting down in %d seconds", count-1)
					count--
					if count <= 0 {
						w.log.Info().Msg("deadline reached before draining active conns, hard stopping ...")
						for _, s := range w.ss {
							if err := s.Stop(); err != nil {
								w.log.Error().Err(err).Msg("error stopping server")
							}
							w.log.Info().Msgf("fd to %s:%s abruptly closed", s.Network(), s.Address())
						}
						w.Exit(1)
					}
				}
			}()
			for _, s := range w.ss {
				w.log.Info().Msgf("fd to %s:%s gracefully closed", s.Network(), s.Address())
				if err := s.GracefulStop(); err != nil {
					w.log.Error().Err(err).Msg("error stopping server")
					w.Exit(1)
				}
			}
			w.Exit(0)
		case syscall.SIGINT, syscall.SIGTERM:
			w.log.Info().Msg("preparing for hard shutdown, aborting all conns")
			for _, s := range w.ss {
				w.log.Info().Msgf("fd to %s:%s abruptly closed", s.Network(), s.Address())
				if err := s.Stop(); err != nil {
					w.log.Error().Err(err).Msg("error stopping server")
				}
			}
			w.Exit(0)
		}
	}
}
