// Package util provides generic building blocks shared by the engine packages:
// a keyed min-heap (used by the pacer), an unbounded multi-producer queue with
// channel delivery (used to hand completed messages to the application) and
// small numeric helpers.
package util
