// https://github.com/f-secure-foundry/tamago-e1000
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build !riscv64
// +build !riscv64

package reg

import (
	"sync/atomic"
)

var barrier uint32

// Fence orders all prior loads and stores before all subsequent loads and
// stores, device accesses included. On architectures without dedicated I/O
// ordering instructions a sequentially consistent atomic operation provides
// the strongest available fence.
func Fence() {
	atomic.AddUint32(&barrier, 0)
}

// FenceW orders all prior stores before all subsequent stores, device
// accesses included.
func FenceW() {
	atomic.AddUint32(&barrier, 0)
}
