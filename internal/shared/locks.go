package shared

import "fmt"

// BatchLockKey builds the redis key guarding close of one batch.
func BatchLockKey(batch string) string {
	return fmt.Sprintf("subledger:batch:%s:lock", batch)
}
