// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pool

import "testing"

func TestBufferPoolSize(t *testing.T) {
	p := NewBufferPool(4096)
	buf := p.Get()
	if len(buf) != 4096 {
		t.Fatalf("buffer length: %d", len(buf))
	}
	p.Put(buf)

	again := p.Get()
	if len(again) != 4096 {
		t.Fatalf("recycled buffer length: %d", len(again))
	}
}

func TestBufferPoolDefaultSize(t *testing.T) {
	p := NewBufferPool(0)
	if p.Size() != DefaultBufferSize {
		t.Fatalf("default size: %d", p.Size())
	}
}

func TestBufferPoolRejectsForeignBuffers(t *testing.T) {
	p := NewBufferPool(1024)
	p.Put(make([]byte, 64)) // dropped, not recycled
	if got := len(p.Get()); got != 1024 {
		t.Fatalf("pool handed out a foreign buffer of length %d", got)
	}
}
