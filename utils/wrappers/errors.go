// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package wrappers provides small helpers shared across the module.
package wrappers

// Errs collects errors during a series of operations, retaining the first
// non-nil error encountered.
type Errs struct {
	Err error
}

// Errored returns true if an error has been recorded.
func (errs *Errs) Errored() bool {
	return errs.Err != nil
}

// Add records the first non-nil error.
func (errs *Errs) Add(errors ...error) {
	if errs.Err == nil {
		for _, err := range errors {
			if err != nil {
				errs.Err = err
				break
			}
		}
	}
}
