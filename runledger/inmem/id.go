package inmem

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

var entropy = ulid.Monotonic(rand.Reader, 0)

// newULID returns a time-ordered, unique run id.
func newULID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
