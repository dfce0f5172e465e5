package utils

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyLock sync.Mutex
	entropy     = ulid.Monotonic(rand.Reader, 0)
)

// GenerateULID returns a new ULID. IDs generated within the same millisecond
// are strictly increasing.
func GenerateULID() ulid.ULID {
	return GenerateULIDWithTime(time.Now())
}

// GenerateULIDString returns a new ULID in its canonical string form
func GenerateULIDString() string {
	return GenerateULID().String()
}

// GenerateULIDWithTime returns a ULID carrying the timestamp of t
func GenerateULIDWithTime(t time.Time) ulid.ULID {
	entropyLock.Lock()
	defer entropyLock.Unlock()

	return ulid.MustNew(ulid.Timestamp(t), entropy)
}

// ParseULID parses a ULID string
func ParseULID(s string) (ulid.ULID, error) {
	return ulid.Parse(s)
}

// ULIDTime returns the creation time encoded in a ULID string
func ULIDTime(s string) (time.Time, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(id.Time()), nil
}
