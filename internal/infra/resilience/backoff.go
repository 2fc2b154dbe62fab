package resilience

import "time"

// retryDelays is the fixed redelivery schedule for attempts 1 through 4.
// Attempts 5 and beyond use retryDelayCap.
var retryDelays = []time.Duration{
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	240 * time.Second,
}

// retryDelayCap bounds the delay for high attempt counts.
const retryDelayCap = 600 * time.Second

// RetryDelay returns the wait before the next redelivery of an item that
// has made the given number of attempts. Attempt counts below 1 are
// treated as 1.
func RetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > len(retryDelays) {
		return retryDelayCap
	}
	return retryDelays[attempts-1]
}
