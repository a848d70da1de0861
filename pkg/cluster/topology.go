// Copyright (C) 2024 ScyllaDB
//
// SPDX-License-Identifier: Apache-2.0

package cluster

// Topology declares the intended shape of a cluster for Populate. It is a
// tagged variant: either a single-datacenter node count, or an ordered list
// of per-datacenter counts (1-indexed datacenter labeling, dc1, dc2, ...).
type Topology struct {
	counts []int
	multi  bool
}

// Single declares n nodes in a single datacenter.
func Single(n int) Topology {
	return Topology{counts: []int{n}}
}

// PerDatacenter declares len(counts) datacenters, with counts[i] nodes in
// datacenter i+1.
func PerDatacenter(counts ...int) Topology {
	return Topology{counts: counts, multi: true}
}

// Total returns the total node count declared by the topology.
func (t Topology) Total() int {
	total := 0
	for _, n := range t.counts {
		total += n
	}
	return total
}
