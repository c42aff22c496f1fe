package cache

import "time"

// Clock abstracts time so TTL and recency decisions are testable without
// sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the wall clock used outside tests.
func SystemClock() Clock { return systemClock{} }
