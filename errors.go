// Copyright (C) The TF-Dragonn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tfdragonn

import "errors"

// Stream-control sentinels. These are expected conditions, not
// failures: callers check them with errors.Is and terminate cleanly.
var (
	// ErrEndOfStream is returned by readers and queues once the
	// configured number of epochs has been exhausted.
	ErrEndOfStream = errors.New("end of stream")
	// ErrCanceled is returned after a queue's cancel path has been
	// taken. Pending items are dropped, unlike a normal drain.
	ErrCanceled = errors.New("queue canceled")
)

// Fatal setup errors. Retrying cannot fix any of these, so they
// propagate to the caller that requested the pipeline and abort the run.
var (
	ErrConfig            = errors.New("configuration error")
	ErrShapeMismatch     = errors.New("shape mismatch")
	ErrMissingChromosome = errors.New("missing chromosome")
	ErrHoldoutViolation  = errors.New("holdout chromosome in materialized stream")
	ErrUnsupportedConfig = errors.New("unsupported configuration")
)
