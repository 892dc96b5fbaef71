// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package utils

// ZeroBytes overwrites b so key material does not linger after release.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
