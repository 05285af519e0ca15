package release

import (
	"encoding/json"
	"fmt"
	"time"
)

// LockFileName is the name of the lock file under the app path on each host.
const LockFileName = "shipit.lock"

// Lock is the persisted record of which release is current on a host.
//
// The current symlink is the authoritative live pointer; the lock is the
// authoritative history pointer. The lock is written only after the
// symlink swap, never mid-pipeline, so the two are updated in one
// canonical order and recovery logic can trust the pair.
type Lock struct {
	CurrentRelease  string  `json:"current_release"`
	PreviousRelease *string `json:"previous_release"`
	GitSHA          string  `json:"git_sha"`
	DeployedAt      string  `json:"deployed_at"`
	SecretsHash     *string `json:"secrets_hash"`
}

// NewLock builds the lock to persist after a successful cutover.
// previous is the prior lock's current release, or nil for a first deploy.
func NewLock(current string, previous *string, gitSHA string, secretsHash *string, now time.Time) Lock {
	if gitSHA == "" {
		gitSHA = "unknown"
	}
	return Lock{
		CurrentRelease:  current,
		PreviousRelease: previous,
		GitSHA:          gitSHA,
		DeployedAt:      now.Format(time.RFC3339),
		SecretsHash:     secretsHash,
	}
}

// MarshalLock serializes a lock to the on-host JSON representation.
func MarshalLock(l Lock) ([]byte, error) {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal lock: %w", err)
	}
	return data, nil
}

// UnmarshalLock parses the on-host JSON representation of a lock.
func UnmarshalLock(data []byte) (Lock, error) {
	var l Lock
	if err := json.Unmarshal(data, &l); err != nil {
		return Lock{}, fmt.Errorf("parse lock: %w", err)
	}
	if l.CurrentRelease == "" {
		return Lock{}, fmt.Errorf("parse lock: missing current_release")
	}
	return l, nil
}
