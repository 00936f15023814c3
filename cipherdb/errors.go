// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

package cipherdb

import "errors"

var (
	// ErrPermissionDenied means the caller device's role lacks a required
	// permission flag. Deterministic; never retried.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound means a device, role or record is absent.
	ErrNotFound = errors.New("not found")

	// ErrConfig means the store or schema is misconfigured, e.g. searching a
	// store that has no secure index. Deterministic; never retried.
	ErrConfig = errors.New("configuration error")

	// ErrStorage wraps storage-engine failures (transaction abort, I/O).
	ErrStorage = errors.New("storage error")
)
