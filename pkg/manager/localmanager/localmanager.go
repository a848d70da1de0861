// Copyright (C) 2024 ScyllaDB
//
// SPDX-License-Identifier: Apache-2.0

// Package localmanager runs a test cluster's server processes on the local
// machine. It implements manager.Client by spawning one process per server,
// each with its own workdir, yaml configuration file and log file, and a
// deterministic loopback address derived from the server id.
package localmanager

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	yaml "gopkg.in/yaml.v2"

	"github.com/scylladb/dtest/pkg/logwatch"
	"github.com/scylladb/dtest/pkg/manager"
)

// Config holds the manager-wide settings.
type Config struct {
	// Binary is the server executable started for every server.
	Binary string
	// DataDir holds one workdir per server.
	DataDir string
	// ClusterName is written into every server's configuration file.
	// Defaults to "test".
	ClusterName string
	// Args are extra arguments passed to every server before the
	// per-server command line.
	Args []string
	// Env are extra environment variables in key=value form.
	Env []string
	// GracefulTimeout bounds how long a graceful stop waits before
	// falling back to SIGKILL. Defaults to 30s.
	GracefulTimeout time.Duration
	// Logger defaults to a nop logger.
	Logger *zap.Logger
}

type server struct {
	info    manager.ServerInfo
	workdir string
	conf    string
	logPath string
	exe     string
	config  map[string]interface{}
	cmdline []string

	cmd     *exec.Cmd
	done    chan struct{}
	pids    []int
	running bool
}

// Manager is a process-backed manager.Client.
type Manager struct {
	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	nextID  manager.ServerID
	servers map[manager.ServerID]*server
}

var _ manager.Client = (*Manager)(nil)

// New returns a Manager keeping its server workdirs under cfg.DataDir.
func New(cfg Config) (*Manager, error) {
	if cfg.Binary == "" {
		return nil, errors.New("localmanager: no server binary configured")
	}
	if cfg.DataDir == "" {
		return nil, errors.New("localmanager: no data directory configured")
	}
	if cfg.ClusterName == "" {
		cfg.ClusterName = "test"
	}
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:     cfg,
		log:     cfg.Logger,
		nextID:  1,
		servers: make(map[manager.ServerID]*server),
	}, nil
}

// hostIP returns the loopback address reserved for id. Every server gets its
// own 127.0.10.x alias so well-known ports never collide.
func hostIP(id manager.ServerID) string {
	return fmt.Sprintf("127.0.10.%d", id)
}

func (m *Manager) addLocked(opts manager.AddOptions) (manager.ServerInfo, error) {
	id := m.nextID
	m.nextID++

	ip := hostIP(id)
	info := manager.ServerInfo{
		ServerID:   id,
		RPCAddress: ip,
		Datacenter: "dc1",
		Rack:       "RAC1",
	}
	if opts.Placement != nil {
		info.Datacenter = opts.Placement.Datacenter
		info.Rack = opts.Placement.Rack
	}

	workdir := filepath.Join(m.cfg.DataDir, fmt.Sprintf("node%d", id))
	if err := os.MkdirAll(filepath.Join(workdir, "conf"), 0755); err != nil {
		return manager.ServerInfo{}, err
	}
	logPath := filepath.Join(workdir, "system.log")
	if err := os.WriteFile(logPath, nil, 0644); err != nil {
		return manager.ServerInfo{}, err
	}

	cfg := make(map[string]interface{}, len(opts.Config)+6)
	for k, v := range opts.Config {
		if v != nil {
			cfg[k] = v
		}
	}
	cfg["cluster_name"] = m.cfg.ClusterName
	cfg["workdir"] = workdir
	cfg["listen_address"] = ip
	cfg["rpc_address"] = ip
	cfg["api_address"] = ip

	s := &server{
		info:    info,
		workdir: workdir,
		conf:    filepath.Join(workdir, "conf", "scylla.yaml"),
		logPath: logPath,
		exe:     m.cfg.Binary,
		config:  cfg,
		cmdline: append([]string(nil), opts.Cmdline...),
	}
	if err := s.writeConfig(); err != nil {
		return manager.ServerInfo{}, err
	}
	m.servers[id] = s
	m.log.Info("server added", zap.Int("id", int(id)), zap.String("workdir", workdir))
	return info, nil
}

func (s *server) writeConfig() error {
	out, err := yaml.Marshal(s.config)
	if err != nil {
		return errors.Wrap(err, "localmanager: encoding config")
	}
	return os.WriteFile(s.conf, out, 0644)
}

// ServersAdd implements manager.Client.
func (m *Manager) ServersAdd(ctx context.Context, count int, opts manager.AddOptions) ([]manager.ServerInfo, error) {
	m.mu.Lock()
	infos := make([]manager.ServerInfo, 0, count)
	for i := 0; i < count; i++ {
		info, err := m.addLocked(opts)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		infos = append(infos, info)
	}
	m.mu.Unlock()
	if opts.Start {
		for _, info := range infos {
			if err := m.ServerStart(ctx, info.ServerID); err != nil {
				return nil, err
			}
		}
	}
	return infos, nil
}

// ServerAdd implements manager.Client.
func (m *Manager) ServerAdd(ctx context.Context, opts manager.AddOptions) (manager.ServerInfo, error) {
	m.mu.Lock()
	info, err := m.addLocked(opts)
	m.mu.Unlock()
	if err != nil {
		return manager.ServerInfo{}, err
	}
	if opts.Start {
		if err := m.ServerStart(ctx, info.ServerID); err != nil {
			return manager.ServerInfo{}, err
		}
	}
	return info, nil
}

func (m *Manager) get(id manager.ServerID) (*server, error) {
	s, ok := m.servers[id]
	if !ok {
		return nil, errors.Wrapf(manager.ErrServerNotFound, "server %d", id)
	}
	return s, nil
}

// ServerStart implements manager.Client. The call returns once the process
// is spawned, not once the server is ready to serve.
func (m *Manager) ServerStart(_ context.Context, id manager.ServerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.get(id)
	if err != nil {
		return err
	}
	if s.running {
		return nil
	}

	args := append([]string(nil), m.cfg.Args...)
	args = append(args, "--options-file", s.conf)
	args = append(args, s.cmdline...)
	cmd := exec.Command(s.exe, args...)
	cmd.Dir = s.workdir
	cmd.Env = append(os.Environ(), m.cfg.Env...)

	logFile, err := os.OpenFile(s.logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return errors.Wrapf(err, "opening log for server %d", id)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return errors.Wrapf(err, "starting server %d", id)
	}
	s.cmd = cmd
	s.running = true
	s.pids = append(s.pids, cmd.Process.Pid)
	done := make(chan struct{})
	s.done = done
	m.log.Info("server started", zap.Int("id", int(id)), zap.Int("pid", cmd.Process.Pid))

	go func() {
		err := cmd.Wait()
		_ = logFile.Close()
		m.mu.Lock()
		s.running = false
		s.cmd = nil
		m.mu.Unlock()
		close(done)
		if err != nil {
			m.log.Info("server exited", zap.Int("id", int(id)), zap.Error(err))
		} else {
			m.log.Info("server exited", zap.Int("id", int(id)))
		}
	}()
	return nil
}

// stop signals the process and waits for it to exit. A graceful stop sends
// SIGTERM first and escalates to SIGKILL after the graceful timeout or when
// ctx is done.
func (m *Manager) stop(ctx context.Context, id manager.ServerID, graceful bool) error {
	m.mu.Lock()
	s, err := m.get(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if !s.running || s.cmd == nil {
		m.mu.Unlock()
		return nil
	}
	proc := s.cmd.Process
	done := s.done
	m.mu.Unlock()

	if !graceful {
		_ = proc.Kill()
		<-done
		return nil
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return errors.Wrapf(err, "signaling server %d", id)
	}
	select {
	case <-done:
		return nil
	case <-time.After(m.cfg.GracefulTimeout):
	case <-ctx.Done():
	}
	m.log.Warn("graceful stop timed out, killing", zap.Int("id", int(id)))
	_ = proc.Kill()
	<-done
	return ctx.Err()
}

// ServerStop implements manager.Client.
func (m *Manager) ServerStop(ctx context.Context, id manager.ServerID) error {
	return m.stop(ctx, id, false)
}

// ServerStopGracefully implements manager.Client.
func (m *Manager) ServerStopGracefully(ctx context.Context, id manager.ServerID) error {
	return m.stop(ctx, id, true)
}

// ServerRestart implements manager.Client.
func (m *Manager) ServerRestart(ctx context.Context, id manager.ServerID) error {
	if err := m.stop(ctx, id, true); err != nil {
		return err
	}
	return m.ServerStart(ctx, id)
}

func (m *Manager) list(pred func(*server) bool) []manager.ServerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []manager.ServerInfo
	for _, s := range m.servers {
		if pred(s) {
			out = append(out, s.info)
		}
	}
	return out
}

// AllServers implements manager.Client.
func (m *Manager) AllServers(context.Context) ([]manager.ServerInfo, error) {
	return m.list(func(*server) bool { return true }), nil
}

// RunningServers implements manager.Client.
func (m *Manager) RunningServers(context.Context) ([]manager.ServerInfo, error) {
	return m.list(func(s *server) bool { return s.running }), nil
}

// ServerUpdateConfig implements manager.Client. The new value lands in the
// server's configuration file and applies on its next start; a nil value
// removes the key.
func (m *Manager) ServerUpdateConfig(_ context.Context, id manager.ServerID, key string, value interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.get(id)
	if err != nil {
		return err
	}
	if value == nil {
		delete(s.config, key)
	} else {
		s.config[key] = value
	}
	return s.writeConfig()
}

// DecommissionNode implements manager.Client. The local manager has no data
// to stream away; it stops the process and forgets the server.
func (m *Manager) DecommissionNode(ctx context.Context, id manager.ServerID) error {
	if err := m.stop(ctx, id, true); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.get(id); err != nil {
		return err
	}
	delete(m.servers, id)
	return nil
}

// RemoveNode implements manager.Client.
func (m *Manager) RemoveNode(ctx context.Context, initiator, id manager.ServerID, _ []manager.ServerID) error {
	m.mu.Lock()
	_, err := m.get(initiator)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if err := m.stop(ctx, id, false); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.servers, id)
	return nil
}

// ServerExe implements manager.Client.
func (m *Manager) ServerExe(id manager.ServerID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.get(id)
	if err != nil {
		return "", err
	}
	return s.exe, nil
}

// HostIP implements manager.Client.
func (m *Manager) HostIP(id manager.ServerID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.get(id)
	if err != nil {
		return "", err
	}
	return s.info.RPCAddress, nil
}

// ServerWorkdir implements manager.Client.
func (m *Manager) ServerWorkdir(id manager.ServerID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.get(id)
	if err != nil {
		return "", err
	}
	return s.workdir, nil
}

// ServerOpenLog implements manager.Client.
func (m *Manager) ServerOpenLog(id manager.ServerID) (manager.LogHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return logwatch.New(s.logPath), nil
}

// ServerPIDs implements manager.Client.
func (m *Manager) ServerPIDs(id manager.ServerID) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return append([]int(nil), s.pids...), nil
}
