package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures persistence.
//
// Driver values:
//   - "file": dependency-free single-file JSON snapshot
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled and the router keeps all
// state in memory for the session.
//
// SharedPath points at the cross-profile database. It is only opened when the
// multi-profile capability is on; every profile of the same user points at
// the same file.
type Config struct {
	Driver      string
	Path        string
	SharedPath  string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Keys the router persists through Store. Anything else handed to Set is a
// caller bug.
const (
	KeyMessageBlockList             = "messageBlockList"
	KeyMultiProfileMessageBlocklist = "multiProfileMessageBlocklist"
	KeyMessageImpressions           = "messageImpressions"
	KeyGroupImpressions             = "groupImpressions"
	KeyPreviousSessionEnd           = "previousSessionEnd"
	KeyScreenImpressions            = "screenImpressions"
)
