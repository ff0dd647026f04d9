package audio

// Drain reads from ch until it is closed, discarding all values. Use it to
// unblock a producer goroutine whose output is no longer wanted, such as a
// cancelled synthesis stream.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
