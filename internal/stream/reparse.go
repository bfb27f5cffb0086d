package stream

import "time"

// Defaults for ReparsePolicy.
const (
	DefaultReparseExactBelow = 4 << 10
	DefaultReparseGrowth     = 8
	DefaultReparseInterval   = 250 * time.Millisecond
)

// ReparsePolicy bounds how often a growing buffer is re-parsed for a
// snapshot. Small buffers are re-parsed on every new byte. Past ExactBelow
// a re-parse waits until the unparsed tail is at least 1/Growth of the
// buffer, or until Interval has passed since the previous one, so the total
// parse work stays linear in the stream length.
type ReparsePolicy struct {
	// MinBytes is the smallest unparsed tail worth a re-parse.
	MinBytes int `yaml:"min-bytes" json:"min-bytes"`

	// ExactBelow re-parses on every change while the buffer is smaller.
	ExactBelow int `yaml:"exact-below" json:"exact-below"`

	// Growth re-parses once the tail reaches len/Growth. Zero disables the rule.
	Growth int `yaml:"growth" json:"growth"`

	// Interval re-parses a non-empty tail at least this often. Zero disables it.
	Interval time.Duration `yaml:"interval" json:"interval"`
}

// DefaultReparsePolicy is the policy NewContext starts with.
func DefaultReparsePolicy() ReparsePolicy {
	return ReparsePolicy{
		MinBytes:   1,
		ExactBelow: DefaultReparseExactBelow,
		Growth:     DefaultReparseGrowth,
		Interval:   DefaultReparseInterval,
	}
}

// IsZero reports whether no field is set.
func (p ReparsePolicy) IsZero() bool {
	return p == ReparsePolicy{}
}

// due reports whether a buffer of total bytes, of which pending were appended
// since the parse at last, should be parsed again.
func (p ReparsePolicy) due(pending, total int, last, now time.Time) bool {
	if pending <= 0 || pending < p.MinBytes {
		return false
	}
	switch {
	case last.IsZero(), total <= p.ExactBelow:
		return true
	case p.Growth > 0 && pending*p.Growth >= total:
		return true
	case p.Interval > 0 && now.Sub(last) >= p.Interval:
		return true
	}
	return false
}
