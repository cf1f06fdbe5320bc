package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when the data on a streaming channel
// (e.g. a session's Audio or Transcripts channel) is not needed.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
