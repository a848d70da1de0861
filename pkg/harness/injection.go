// Copyright (C) 2024 ScyllaDB
//
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/scylladb/dtest/pkg/cluster"
)

// Error injections are debug-only fault hooks on a node's administrative
// HTTP endpoint, toggled by name. The server ignores them entirely in
// release builds.

func (s *Setup) injectionURL(node *cluster.Node, name string) (string, error) {
	ip, err := s.cluster.Manager().HostIP(node.ID())
	if err != nil {
		return "", err
	}
	u := fmt.Sprintf("http://%s:%d/v2/error_injection/injection", ip, s.adminPort)
	if name != "" {
		u += "/" + url.PathEscape(name)
	}
	return u, nil
}

func (s *Setup) injectionRequest(ctx context.Context, method, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, errors.Newf("injection: %s %s: status %d: %s", method, u, resp.StatusCode, body)
	}
	return resp, nil
}

// EnableInjection enables the named error injection on node. A one-shot
// injection resets its enabled state after triggering once.
func (s *Setup) EnableInjection(ctx context.Context, node *cluster.Node, name string, oneShot bool) error {
	u, err := s.injectionURL(node, name)
	if err != nil {
		return err
	}
	s.log.Debug("enabling error injection", zap.String("name", name), zap.String("node", node.Name()))
	resp, err := s.injectionRequest(ctx, http.MethodPost, u+"?one_shot="+strconv.FormatBool(oneShot))
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// DisableInjection disables the named error injection on node.
func (s *Setup) DisableInjection(ctx context.Context, node *cluster.Node, name string) error {
	u, err := s.injectionURL(node, name)
	if err != nil {
		return err
	}
	s.log.Debug("disabling error injection", zap.String("name", name), zap.String("node", node.Name()))
	resp, err := s.injectionRequest(ctx, http.MethodDelete, u)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// DisableAllInjections disables every error injection on node.
func (s *Setup) DisableAllInjections(ctx context.Context, node *cluster.Node) error {
	u, err := s.injectionURL(node, "")
	if err != nil {
		return err
	}
	resp, err := s.injectionRequest(ctx, http.MethodDelete, u)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// CheckInjection verifies the named error injection exists on node.
func (s *Setup) CheckInjection(ctx context.Context, node *cluster.Node, name string) error {
	u, err := s.injectionURL(node, name)
	if err != nil {
		return err
	}
	resp, err := s.injectionRequest(ctx, http.MethodGet, u)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// ListInjections returns the error injections enabled on node.
func (s *Setup) ListInjections(ctx context.Context, node *cluster.Node) ([]string, error) {
	u, err := s.injectionURL(node, "")
	if err != nil {
		return nil, err
	}
	resp, err := s.injectionRequest(ctx, http.MethodGet, u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var names []string
	if err := json.NewDecoder(resp.Body).Decode(&names); err != nil {
		return nil, errors.Wrap(err, "injection: decoding list")
	}
	return names, nil
}
