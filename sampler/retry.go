// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package sampler // import "github.com/pysampler/pysampler/sampler"

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/pysampler/pysampler/libpf"
)

const (
	// DefaultAttempts is the number of attach attempts of RetryNew.
	DefaultAttempts = 100
	// retryInterval is the pause between attach attempts
	retryInterval = 20 * time.Millisecond
)

// newSession is New, replaced in tests.
var newSession = New

// IsRetryable reports whether a failed attach or sample may succeed when
// attempted again, e.g. because the target was still starting up.
func IsRetryable(err error) bool {
	return err != nil && !libpf.IsFatal(err)
}

// RetryNew attempts New up to maxAttempts times, a short while apart. Errors
// that cannot go away by themselves end the attempts early. The error of the
// last attempt is returned.
func RetryNew(ctx context.Context, pid libpf.PID, cfg Config, maxAttempts int) (*Session, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultAttempts
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewConstantBackOff(retryInterval), uint64(maxAttempts-1)), ctx)

	var s *Session
	var lastErr error
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		var err error
		s, err = newSession(pid, cfg)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		log.Debugf("PID %v: attempt %d: %v", pid, attempt, err)
		return err
	}, bo)
	if err == nil {
		return s, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && lastErr != nil {
		return nil, errors.Join(lastErr, ctxErr)
	}
	if lastErr == nil {
		return nil, err
	}
	return nil, lastErr
}
