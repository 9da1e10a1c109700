package types

import (
	"fmt"
	"strings"
)

// lock states reported by the lock command
const (
	LockStateHeld    = "held"
	LockStateWaiting = "waiting"
	LockStateStolen  = "stolen"
)

func GetLockStatus(lockID, state string) string {
	return fmt.Sprintf("%s: %s", lockID, state)
}

func GetLockFromStatus(status string) string {
	return strings.Split(status, ":")[0]
}
