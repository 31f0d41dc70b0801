//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package raid

import "github.com/pkg/errors"

// SGList is a scatter-gather list. Every element holds a whole number
// of blocks, so a block never straddles two elements.
type SGList [][]byte

// SGFromBytes wraps a contiguous buffer.
func SGFromBytes(buf []byte) SGList {
	if len(buf) == 0 {
		return nil
	}
	return SGList{buf}
}

// Len returns the total number of bytes described by the list.
func (sg SGList) Len() int {
	var n int
	for _, e := range sg {
		n += len(e)
	}
	return n
}

// CopyFrom copies src into the list and returns the number of
// bytes copied.
func (sg SGList) CopyFrom(src []byte) int {
	var n int
	for _, e := range sg {
		if n >= len(src) {
			break
		}
		n += copy(e, src[n:])
	}
	return n
}

// CopyTo copies the list contents into dst and returns the number
// of bytes copied.
func (sg SGList) CopyTo(dst []byte) int {
	var n int
	for _, e := range sg {
		if n >= len(dst) {
			break
		}
		n += copy(dst[n:], e)
	}
	return n
}

// CopySG copies the contents of src into sg.
func (sg SGList) CopySG(src SGList) int {
	var n int
	for _, e := range src {
		n += sg.Slice(n, len(e)).CopyFrom(e)
	}
	return n
}

// Slice returns the sub-list covering n bytes starting at offset.
func (sg SGList) Slice(offset, n int) SGList {
	var out SGList
	for _, e := range sg {
		if n <= 0 {
			break
		}
		if offset >= len(e) {
			offset -= len(e)
			continue
		}
		end := offset + n
		if end > len(e) {
			end = len(e)
		}
		out = append(out, e[offset:end])
		n -= end - offset
		offset = 0
	}
	return out
}

// Block returns block i of the list.
func (sg SGList) Block(i, blockSize int) ([]byte, error) {
	off := i * blockSize
	for _, e := range sg {
		if off < len(e) {
			if off+blockSize > len(e) {
				return nil, errors.Errorf("block %d straddles an sg element", i)
			}
			return e[off : off+blockSize], nil
		}
		off -= len(e)
	}
	return nil, errors.Errorf("block %d beyond end of sg list (%d bytes)", i, sg.Len())
}

// ForEachBlock invokes fn for every block in the list.
func (sg SGList) ForEachBlock(blockSize int, fn func(i int, block []byte) error) error {
	if blockSize <= 0 {
		return errors.New("invalid block size")
	}
	var idx int
	for _, e := range sg {
		if len(e)%blockSize != 0 {
			return errors.Errorf("sg element of %d bytes is not a multiple of block size %d",
				len(e), blockSize)
		}
		for off := 0; off < len(e); off += blockSize {
			if err := fn(idx, e[off:off+blockSize]); err != nil {
				return err
			}
			idx++
		}
	}
	return nil
}

// Within reports whether every element of sg is a block aligned view
// into an element of src.
func (sg SGList) Within(src SGList, blockSize int) bool {
	if blockSize <= 0 {
		return false
	}
	for _, e := range sg {
		if len(e) > 0 && !viewOf(e, src, blockSize) {
			return false
		}
	}
	return true
}

func viewOf(e []byte, src SGList, blockSize int) bool {
	for _, s := range src {
		for off := 0; off+len(e) <= len(s); off += blockSize {
			if &s[off] == &e[0] {
				return true
			}
		}
	}
	return false
}
