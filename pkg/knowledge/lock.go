package knowledge

import (
	"fmt"
	"os"
	"strconv"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const lockPollInterval = 20 * time.Millisecond

// acquireLock creates path exclusively and returns a func that removes it.
// A lock file older than stale is treated as abandoned and taken over.
func acquireLock(path string, timeout, stale time.Duration, logger zerolog.Logger) (func(), error) {
	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create lock token: %w", err)
	}
	token := strconv.Itoa(os.Getpid()) + ":" + id
	deadline := time.Now().Add(timeout)

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			_, werr := f.WriteString(token)
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("failed to write lock file: %w", werr)
			}
			return func() { releaseLock(path, token) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > stale {
			if age, ok := breakStale(path, stale); ok {
				logger.Warn().
					Str("lock", path).
					Dur("age", age).
					Msg("Removed stale knowledge lock")
				continue
			}
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, path)
		}
		time.Sleep(lockPollInterval)
	}
}

// releaseLock removes path only while it still carries token.
func releaseLock(path, token string) {
	data, err := os.ReadFile(path)
	if err != nil || string(data) != token {
		return
	}
	os.Remove(path)
}

// breakStale removes the lock at path if it is still older than stale.
// Breakers serialize on a companion file and re-check the age under it, so
// a lock created after another breaker's removal is left alone.
func breakStale(path string, stale time.Duration) (time.Duration, bool) {
	guard := path + ".break"
	g, err := os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if info, statErr := os.Stat(guard); statErr == nil && time.Since(info.ModTime()) > stale {
			os.Remove(guard)
		}
		return 0, false
	}
	g.Close()
	defer os.Remove(guard)

	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	age := time.Since(info.ModTime())
	if age <= stale {
		return 0, false
	}
	if err := os.Remove(path); err != nil {
		return 0, false
	}
	return age, true
}
