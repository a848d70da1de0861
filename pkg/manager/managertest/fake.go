// Copyright (C) 2024 ScyllaDB
//
// SPDX-License-Identifier: Apache-2.0

// Package managertest provides an in-memory manager.Client for tests. Server
// logs are real files on disk so the log-watching path is exercised end to
// end.
package managertest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/scylladb/dtest/pkg/logwatch"
	"github.com/scylladb/dtest/pkg/manager"
)

// Server is the fake's record of one declared server.
type Server struct {
	Info    manager.ServerInfo
	Running bool
	Config  map[string]interface{}
	LogPath string
	Exe     string
	Workdir string
	PIDs    []int
}

// ConfigPush records one ServerUpdateConfig call.
type ConfigPush struct {
	ID    manager.ServerID
	Key   string
	Value interface{}
}

// Fake is an in-memory manager.Client.
type Fake struct {
	mu      sync.Mutex
	dir     string
	nextID  manager.ServerID
	servers map[manager.ServerID]*Server

	// ConfigPushes records every ServerUpdateConfig call in order.
	ConfigPushes []ConfigPush
	// StartOrder records the ids passed to ServerStart in order.
	StartOrder []manager.ServerID
	// StopOrder records the ids passed to ServerStop/ServerStopGracefully.
	StopOrder []manager.ServerID
}

var _ manager.Client = (*Fake)(nil)

// New returns a Fake that keeps its server log files under dir.
func New(dir string) *Fake {
	return &Fake{dir: dir, nextID: 1, servers: make(map[manager.ServerID]*Server)}
}

// Server returns the fake's record for id, or nil.
func (f *Fake) Server(id manager.ServerID) *Server {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.servers[id]
}

// AppendLog appends lines to a server's log file.
func (f *Fake) AppendLog(id manager.ServerID, lines ...string) error {
	s := f.Server(id)
	if s == nil {
		return manager.ErrServerNotFound
	}
	file, err := os.OpenFile(s.LogPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer file.Close()
	for _, l := range lines {
		if _, err := file.WriteString(l + "\n"); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fake) addLocked(opts manager.AddOptions) (manager.ServerInfo, error) {
	id := f.nextID
	f.nextID++
	info := manager.ServerInfo{
		ServerID:   id,
		RPCAddress: fmt.Sprintf("127.0.10.%d", id),
		Datacenter: "dc1",
		Rack:       "RAC1",
	}
	if opts.Placement != nil {
		info.Datacenter = opts.Placement.Datacenter
		info.Rack = opts.Placement.Rack
	}
	workdir := filepath.Join(f.dir, fmt.Sprintf("node%d", id))
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return manager.ServerInfo{}, err
	}
	logPath := filepath.Join(workdir, "system.log")
	if err := os.WriteFile(logPath, nil, 0644); err != nil {
		return manager.ServerInfo{}, err
	}
	cfg := make(map[string]interface{}, len(opts.Config))
	for k, v := range opts.Config {
		cfg[k] = v
	}
	f.servers[id] = &Server{
		Info:    info,
		Running: opts.Start,
		Config:  cfg,
		LogPath: logPath,
		Exe:     filepath.Join(workdir, "scylla"),
		Workdir: workdir,
		PIDs:    []int{10000 + int(id)},
	}
	return info, nil
}

// ServersAdd implements manager.Client.
func (f *Fake) ServersAdd(_ context.Context, count int, opts manager.AddOptions) ([]manager.ServerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	infos := make([]manager.ServerInfo, 0, count)
	for i := 0; i < count; i++ {
		info, err := f.addLocked(opts)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// ServerAdd implements manager.Client.
func (f *Fake) ServerAdd(_ context.Context, opts manager.AddOptions) (manager.ServerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addLocked(opts)
}

func (f *Fake) withServer(id manager.ServerID, fn func(*Server) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[id]
	if !ok {
		return manager.ErrServerNotFound
	}
	return fn(s)
}

// ServerStart implements manager.Client.
func (f *Fake) ServerStart(_ context.Context, id manager.ServerID) error {
	return f.withServer(id, func(s *Server) error {
		s.Running = true
		f.StartOrder = append(f.StartOrder, id)
		return nil
	})
}

// ServerStop implements manager.Client.
func (f *Fake) ServerStop(_ context.Context, id manager.ServerID) error {
	return f.withServer(id, func(s *Server) error {
		s.Running = false
		f.StopOrder = append(f.StopOrder, id)
		return nil
	})
}

// ServerStopGracefully implements manager.Client.
func (f *Fake) ServerStopGracefully(ctx context.Context, id manager.ServerID) error {
	return f.ServerStop(ctx, id)
}

// ServerRestart implements manager.Client.
func (f *Fake) ServerRestart(_ context.Context, id manager.ServerID) error {
	return f.withServer(id, func(s *Server) error {
		s.Running = true
		return nil
	})
}

func (f *Fake) list(pred func(*Server) bool) []manager.ServerInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []manager.ServerInfo
	for _, s := range f.servers {
		if pred(s) {
			out = append(out, s.Info)
		}
	}
	return out
}

// AllServers implements manager.Client.
func (f *Fake) AllServers(context.Context) ([]manager.ServerInfo, error) {
	return f.list(func(*Server) bool { return true }), nil
}

// RunningServers implements manager.Client.
func (f *Fake) RunningServers(context.Context) ([]manager.ServerInfo, error) {
	return f.list(func(s *Server) bool { return s.Running }), nil
}

// ServerUpdateConfig implements manager.Client.
func (f *Fake) ServerUpdateConfig(_ context.Context, id manager.ServerID, key string, value interface{}) error {
	return f.withServer(id, func(s *Server) error {
		if value == nil {
			delete(s.Config, key)
		} else {
			s.Config[key] = value
		}
		f.ConfigPushes = append(f.ConfigPushes, ConfigPush{ID: id, Key: key, Value: value})
		return nil
	})
}

// DecommissionNode implements manager.Client.
func (f *Fake) DecommissionNode(_ context.Context, id manager.ServerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.servers[id]; !ok {
		return manager.ErrServerNotFound
	}
	delete(f.servers, id)
	return nil
}

// RemoveNode implements manager.Client.
func (f *Fake) RemoveNode(_ context.Context, initiator, id manager.ServerID, _ []manager.ServerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.servers[initiator]; !ok {
		return manager.ErrServerNotFound
	}
	if _, ok := f.servers[id]; !ok {
		return manager.ErrServerNotFound
	}
	delete(f.servers, id)
	return nil
}

// ServerExe implements manager.Client.
func (f *Fake) ServerExe(id manager.ServerID) (string, error) {
	s := f.Server(id)
	if s == nil {
		return "", manager.ErrServerNotFound
	}
	return s.Exe, nil
}

// HostIP implements manager.Client.
func (f *Fake) HostIP(id manager.ServerID) (string, error) {
	s := f.Server(id)
	if s == nil {
		return "", manager.ErrServerNotFound
	}
	return s.Info.RPCAddress, nil
}

// ServerWorkdir implements manager.Client.
func (f *Fake) ServerWorkdir(id manager.ServerID) (string, error) {
	s := f.Server(id)
	if s == nil {
		return "", manager.ErrServerNotFound
	}
	return s.Workdir, nil
}

// ServerOpenLog implements manager.Client.
func (f *Fake) ServerOpenLog(id manager.ServerID) (manager.LogHandle, error) {
	s := f.Server(id)
	if s == nil {
		return nil, manager.ErrServerNotFound
	}
	return logwatch.New(s.LogPath), nil
}

// ServerPIDs implements manager.Client.
func (f *Fake) ServerPIDs(id manager.ServerID) ([]int, error) {
	s := f.Server(id)
	if s == nil {
		return nil, manager.ErrServerNotFound
	}
	return append([]int(nil), s.PIDs...), nil
}
