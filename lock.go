package jobflow

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

var errLockHeld = errors.New("lock held by another node")

const lockRetryInterval = 100 * time.Millisecond

// acquireLock tries to take the named lease for expiration, retrying until
// timeout. It reports false without error when another node kept it.
func (m *Manager) acquireLock(ctx context.Context, name string, expiration, timeout time.Duration) (bool, error) {
	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	operation := func() error {
		ok, err := m.store.Lock(lockCtx, name, m.cfg.NodeID, expiration)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errLockHeld
		}
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.NewConstantBackOff(lockRetryInterval), lockCtx))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errLockHeld):
		return false, nil
	case lockCtx.Err() != nil && ctx.Err() == nil:
		return false, nil
	}
	return false, errors.Wrapf(err, "acquire lock %s", name)
}

func (m *Manager) releaseLock(ctx context.Context, name string) {
	if err := m.store.Unlock(context.WithoutCancel(ctx), name, m.cfg.NodeID); err != nil {
		m.cfg.logError(LogEvent{Message: "unlock " + name + " failed", Err: err})
	}
}
