package gateway

import (
	"errors"
	"fmt"
)

// Sentinel errors for target resolution, tested with errors.Is.
var (
	errNoAdapter = errors.New("no adapter connected")
	errBadTarget = errors.New("invalid target")
	errNoHome    = errors.New("no home channel set")
)

// ErrNoAdapter reports that a platform has no connected adapter.
func ErrNoAdapter(platform string) error {
	return fmt.Errorf("%w for platform %s", errNoAdapter, platform)
}

// ErrBadTarget reports an unparseable send target.
func ErrBadTarget(target string) error {
	return fmt.Errorf("%w %q: want \"platform\" or \"platform:chat_id\"", errBadTarget, target)
}

// ErrNoHome reports that a platform has no home channel to fall back to.
func ErrNoHome(platform string) error {
	return fmt.Errorf("%w for %s; use /sethome in the target chat", errNoHome, platform)
}
