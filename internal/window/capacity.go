package window

import "time"

// SpanForCapacity picks the initial span from a records-per-hour estimate: the initial
// span is halved until its expected record count fits target or the floor is reached.
// A non-positive estimate returns initial unchanged.
func SpanForCapacity(perHour float64, target int, initial, floor time.Duration) time.Duration {
	if perHour <= 0 || target <= 0 {
		return initial
	}

	span := initial
	for span/2 >= floor && perHour*span.Hours() > float64(target) {
		span /= 2
	}
	return span
}
