package retry

import "time"

type option struct {
	maxAttempts int
	delay       time.Duration
}

func defaultOption() option {
	return option{
		maxAttempts: 3,
		delay:       200 * time.Millisecond,
	}
}

// OptionFunc is a function that sets an option.
type OptionFunc func(*option)

// WithAttempts sets the total attempt budget, first try included.
func WithAttempts(n int) OptionFunc {
	return func(o *option) {
		o.maxAttempts = n
	}
}

// WithDelay sets the sleep between attempts.
func WithDelay(delay time.Duration) OptionFunc {
	return func(o *option) {
		o.delay = delay
	}
}
