package persistence

import "fmt"

// RetryOnConflict runs fn until it returns something other than a version
// conflict, at most attempts times. fn must re-read the row it writes.
func RetryOnConflict(attempts int, fn func() error) error {
	var err error

	for range max(attempts, 1) {
		err = fn()
		if !IsVersionConflict(err) {
			return err
		}
	}

	return fmt.Errorf("gave up after %d attempts: %w", max(attempts, 1), err)
}
