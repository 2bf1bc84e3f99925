package cache

import "time"

func unixNano(n int64) time.Time {
	return time.Unix(0, n)
}

// Clock returns now, or time.Now when now is nil.
func Clock(now func() time.Time) func() time.Time {
	if now == nil {
		return time.Now
	}
	return now
}
