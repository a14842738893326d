// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jitmem

import (
	"testing"
)

func TestRoundUp16(t *testing.T) {

	tests := []struct {
		in  int
		out int
	}{
		{0, 0},
		{1, 16},
		{15, 16},
		{16, 16},
		{17, 32},
		{100, 112},
	}

	for _, tt := range tests {
		if got := roundUp16(tt.in); got != tt.out {
			t.Errorf("roundUp16(%d): got %d, want %d", tt.in, got, tt.out)
		}
	}
}

func TestRoundUpTo(t *testing.T) {

	tests := []struct {
		n     int
		align int
		out   int
	}{
		{0, 4096, 0},
		{1, 4096, 4096},
		{4096, 4096, 4096},
		{4097, 4096, 8192},
		{3, 2, 4},
		{48, 16, 48},
	}

	for _, tt := range tests {
		if got := roundUpTo(tt.n, tt.align); got != tt.out {
			t.Errorf("roundUpTo(%d, %d): got %d, want %d", tt.n, tt.align, got, tt.out)
		}
	}
}
