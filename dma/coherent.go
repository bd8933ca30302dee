// First-fit memory allocator for DMA buffers
// https://github.com/f-secure-foundry/tamago-e1000
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dma

import (
	"errors"
)

// PageSize is the granularity of coherent page allocations.
const PageSize = 4096

// ErrExhausted is returned when the region cannot satisfy an allocation.
var ErrExhausted = errors.New("DMA region exhausted")

// PageSize returns the coherent allocation granularity.
func (dma *Region) PageSize() int {
	return PageSize
}

// AllocCoherent reserves a page-aligned, zero filled buffer of the requested
// number of pages, returning both its CPU virtual address and its bus
// address. The region is assumed identity mapped, therefore the two addresses
// are identical; hosts with an IOMMU or distinct physical mappings must
// provide their own allocator.
//
// The allocation is tracked until released with FreeCoherent().
func (dma *Region) AllocCoherent(pages int) (vaddr uint, paddr uint, err error) {
	if pages <= 0 {
		return 0, 0, ErrExhausted
	}

	defer func() {
		if recover() != nil {
			vaddr = 0
			paddr = 0
			err = ErrExhausted
		}
	}()

	addr, buf := dma.Reserve(pages*PageSize, PageSize)

	for i := range buf {
		buf[i] = 0
	}

	dma.Lock()
	dma.pageBlocks[addr] = pages
	dma.Unlock()

	return addr, addr, nil
}

// FreeCoherent releases a buffer previously obtained with AllocCoherent(),
// the caller must guarantee that no device access to it remains outstanding.
func (dma *Region) FreeCoherent(vaddr uint, pages int) error {
	dma.Lock()
	n, ok := dma.pageBlocks[vaddr]
	dma.Unlock()

	if !ok {
		return errors.New("not a coherent allocation")
	}

	if n != pages {
		return errors.New("coherent allocation size mismatch")
	}

	dma.Lock()
	delete(dma.pageBlocks, vaddr)
	dma.Unlock()

	dma.Release(vaddr)

	return nil
}
