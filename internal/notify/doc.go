// Package notify provides the bounded notification channel between the
// background fetch pipeline and the goroutine that owns the view state.
//
// The channel has a fixed capacity. Publish suspends the sending goroutine
// while the buffer is full, so back-pressure only ever affects the background
// side. The receiving side never blocks on the network; it selects on Events()
// together with its own tick source.
package notify
