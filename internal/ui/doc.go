// Package ui owns the view state of a run and renders it.
//
// Loop is the single owner of State. It applies events from the notification
// channel as they arrive and renders on a fixed tick, so a slow producer
// never blocks the view and the view never races the producer.
package ui
