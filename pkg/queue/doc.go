// Package queue is a thin facade over the store's list operations: named FIFO
// queues with push, non-blocking pop, bounded blocking take, peek and length.
//
// Delivery is at most once. There is no acknowledgement, visibility timeout or
// redelivery; an item belongs to whichever consumer popped it.
//
// Listen runs a poll loop with a bounded worker pool on top of Take, and
// Typed layers JSON encoding over a single named queue.
package queue
