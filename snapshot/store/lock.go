package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"github.com/zhangyunhao116/skipmap"
	"golang.org/x/sys/unix"

	"github.com/peter-fm/snapbase-sub001/snapshot"
)

// DefaultLockWait bounds how long a writer waits on a contended dataset
// before failing with ConflictError.
const DefaultLockWait = 10 * time.Second

// datasetLocker serializes snapshot commits per (workspace, dataset).
// Cross-process exclusion uses flock(2) on the dataset's .lock file;
// same-process exclusion uses a mutex registry keyed by dataset, since
// POSIX file locks don't exclude other goroutines holding the same file.
type datasetLocker struct {
	wait  time.Duration
	locks *skipmap.StringMap[*sync.Mutex]
}

func makeDatasetLocker(wait time.Duration) *datasetLocker {
	if wait <= 0 {
		wait = DefaultLockWait
	}
	return &datasetLocker{
		wait:  wait,
		locks: skipmap.NewString[*sync.Mutex](),
	}
}

var errLockHeld = fmt.Errorf("lock held")

// acquire takes the write lock for key, creating lockPath if needed.
// It retries with backoff until the configured wait elapses, then fails
// with ConflictError. The returned release runs on every exit path of
// the caller, typically via defer.
func (l *datasetLocker) acquire(ctx context.Context, lockPath, key string) (release func(), err error) {
	mu, _ := l.locks.LoadOrStoreLazy(key, func() *sync.Mutex { return &sync.Mutex{} })

	var f *os.File
	try := func() error {
		if !mu.TryLock() {
			return errLockHeld
		}
		file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0666)
		if err != nil {
			mu.Unlock()
			return backoff.Permanent(snapshot.NewIoError(err, "opening lock file %s", lockPath))
		}
		if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			file.Close()
			mu.Unlock()
			if err == unix.EWOULDBLOCK {
				return errLockHeld
			}
			return backoff.Permanent(snapshot.NewIoError(err, "locking %s", lockPath))
		}
		f = file
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = l.wait
	if err := backoff.Retry(try, backoff.WithContext(b, ctx)); err != nil {
		if perm, ok := err.(*backoff.PermanentError); ok {
			return nil, perm.Err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, snapshot.NewConflictError("dataset %s is locked by another writer (waited %v)", key, l.wait)
	}

	release = func() {
		if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
			log.Errorf("Unlocking %s: %v", lockPath, err)
		}
		f.Close()
		mu.Unlock()
	}
	return release, nil
}
