// First-fit memory allocator for DMA buffers
// https://github.com/f-secure-foundry/tamago-e1000
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dma provides primitives for direct memory allocation and alignment,
// it is primarily used in bare metal device driver operation to avoid passing
// Go pointers for DMA purposes.
//
// The package must be initialized with a memory range which is never used by
// the Go runtime, either with Init() on the global region or with
// Region.Init() on dedicated instances.
package dma

import (
	"container/list"
)

// Init initializes the global memory region for DMA buffer allocation.
//
// The global region is used by the package level functions for all DMA
// allocations, separate DMA regions can be initialized in other areas (e.g.
// external RAM) through Region.Init().
func Init(start uint, size uint) {
	dma = &Region{
		start: start,
		size:  size,
	}

	dma.Init()
}

// Init initializes a memory region instance for DMA buffer allocation.
func (dma *Region) Init() {
	dma.Lock()
	defer dma.Unlock()

	// initialize a single block to fit all available memory
	b := &block{
		addr: dma.start,
		size: dma.size,
	}

	dma.freeBlocks = list.New()
	dma.freeBlocks.PushFront(b)

	dma.usedBlocks = make(map[uint]*block)
	dma.pageBlocks = make(map[uint]int)
}

// NewRegion initializes a memory region instance over the argument range.
func NewRegion(start uint, size uint) *Region {
	r := &Region{
		start: start,
		size:  size,
	}

	r.Init()

	return r
}

// Reserve is the equivalent of Region.Reserve() on the global DMA region.
func Reserve(size int, align int) (addr uint, buf []byte) {
	return dma.Reserve(size, align)
}

// Reserved is the equivalent of Region.Reserved() on the global DMA region.
func Reserved(buf []byte) (res bool, addr uint) {
	return dma.Reserved(buf)
}

// Alloc is the equivalent of Region.Alloc() on the global DMA region.
func Alloc(buf []byte, align int) (addr uint) {
	return dma.Alloc(buf, align)
}

// Read is the equivalent of Region.Read() on the global DMA region.
func Read(addr uint, off int, buf []byte) {
	dma.Read(addr, off, buf)
}

// Write is the equivalent of Region.Write() on the global DMA region.
func Write(addr uint, off int, buf []byte) {
	dma.Write(addr, off, buf)
}

// Free is the equivalent of Region.Free() on the global DMA region.
func Free(addr uint) {
	dma.Free(addr)
}

// Release is the equivalent of Region.Release() on the global DMA region.
func Release(addr uint) {
	dma.Release(addr)
}
