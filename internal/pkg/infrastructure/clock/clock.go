package clock

import "time"

// Clock yields the current time in the forms the service stores: RFC3339
// "Z" strings for metadata and epoch seconds/milliseconds for TTLs and
// reading bounds. Handlers take it as a dependency so tests can pin time.
type Clock interface {
	Now() time.Time
	NowRFC3339() string
	NowEpochSeconds() int64
	NowEpochMillis() int64
}

type systemClock struct{}

// NewSystemClock returns the production clock backed by time.Now in UTC.
func NewSystemClock() Clock {
	return &systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

func (c systemClock) NowRFC3339() string {
	return c.Now().Format(time.RFC3339)
}

func (c systemClock) NowEpochSeconds() int64 {
	return c.Now().Unix()
}

func (c systemClock) NowEpochMillis() int64 {
	return c.Now().UnixMilli()
}

// FixedClock always reports the same instant.
type FixedClock struct {
	T time.Time
}

// NewFixedClock parses an RFC3339 timestamp into a FixedClock.
func NewFixedClock(rfc3339 string) (*FixedClock, error) {
	t, err := time.Parse(time.RFC3339, rfc3339)
	if err != nil {
		return nil, err
	}
	return &FixedClock{T: t.UTC()}, nil
}

func (c *FixedClock) Now() time.Time        { return c.T }
func (c *FixedClock) NowRFC3339() string    { return c.T.Format(time.RFC3339) }
func (c *FixedClock) NowEpochSeconds() int64 { return c.T.Unix() }
func (c *FixedClock) NowEpochMillis() int64  { return c.T.UnixMilli() }
