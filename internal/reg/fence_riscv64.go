// https://github.com/f-secure-foundry/tamago-e1000
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build riscv64
// +build riscv64

package reg

// defined in fence_riscv64.s
func Fence()

// defined in fence_riscv64.s
func FenceW()
