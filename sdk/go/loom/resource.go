// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package loom

import "fmt"

// A ResourceVector quantifies the compute resources a task requires
// or a node offers. Units are abstract: the orchestrator only ever
// compares and adds vectors, it never interprets them.
type ResourceVector struct {
	// Generic compute capacity, e.g., millicores or abstract
	// compute units advertised by the node.
	ComputeUnits int64 `json:"compute_units"`

	MemoryBytes int64 `json:"memory_bytes"`

	// Capacity of the named accelerator class (quantum QPU slots,
	// neuromorphic cores, GPUs...). Zero means no accelerator
	// required/offered.
	AcceleratorUnits int64  `json:"accelerator_units,omitempty"`
	AcceleratorClass string `json:"accelerator_class,omitempty"`
}

// IsZero reports whether the vector requests/offers nothing.
func (v ResourceVector) IsZero() bool {
	return v.ComputeUnits == 0 && v.MemoryBytes == 0 && v.AcceleratorUnits == 0
}

// FitsIn reports whether a requirement v can be satisfied by the
// given capacity. An accelerator requirement is satisfied only by a
// matching accelerator class.
func (v ResourceVector) FitsIn(capacity ResourceVector) bool {
	if v.ComputeUnits > capacity.ComputeUnits || v.MemoryBytes > capacity.MemoryBytes {
		return false
	}
	if v.AcceleratorUnits > 0 {
		if capacity.AcceleratorClass != v.AcceleratorClass {
			return false
		}
		if v.AcceleratorUnits > capacity.AcceleratorUnits {
			return false
		}
	}
	return true
}

// Add returns the element-wise sum of v and other. The accelerator
// class of the result is v's class if set, otherwise other's.
func (v ResourceVector) Add(other ResourceVector) ResourceVector {
	r := ResourceVector{
		ComputeUnits:     v.ComputeUnits + other.ComputeUnits,
		MemoryBytes:      v.MemoryBytes + other.MemoryBytes,
		AcceleratorUnits: v.AcceleratorUnits + other.AcceleratorUnits,
		AcceleratorClass: v.AcceleratorClass,
	}
	if r.AcceleratorClass == "" {
		r.AcceleratorClass = other.AcceleratorClass
	}
	return r
}

// Sub returns the element-wise difference of v and other.
func (v ResourceVector) Sub(other ResourceVector) ResourceVector {
	return ResourceVector{
		ComputeUnits:     v.ComputeUnits - other.ComputeUnits,
		MemoryBytes:      v.MemoryBytes - other.MemoryBytes,
		AcceleratorUnits: v.AcceleratorUnits - other.AcceleratorUnits,
		AcceleratorClass: v.AcceleratorClass,
	}
}

// String implements fmt.Stringer.
func (v ResourceVector) String() string {
	s := fmt.Sprintf("cu=%d mem=%d", v.ComputeUnits, v.MemoryBytes)
	if v.AcceleratorUnits > 0 {
		s += fmt.Sprintf(" %s=%d", v.AcceleratorClass, v.AcceleratorUnits)
	}
	return s
}
