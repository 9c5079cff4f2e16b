package service

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

func newID() string {
	return uuid.NewString()
}

// newRMANumber builds a human-readable return authorization number,
// unique by construction.
func newRMANumber(now time.Time) string {
	return fmt.Sprintf("RMA-%s-%s", now.Format("20060102"), uuid.NewString()[:6])
}
