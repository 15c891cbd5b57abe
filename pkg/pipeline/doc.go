// Package pipeline implements the asynchronous upload pipeline that keeps
// request handling independent of the telemetry broker.
//
// Producers call Enqueue, which never blocks: a record either lands in the
// bounded Queue or is dropped and logged. A fixed pool of workers drains the
// queue, each with its own lazily built broker client. A failed publish loses
// that one record and resets the worker's client; it never ends the worker.
//
// Every worker touches its slot in the Heartbeats table on each loop
// iteration. The watchdog restarts a slot whose heartbeat is older than
// StaleThreshold. Goroutines cannot be killed, so "killing" a worker means
// cancelling its context and bumping the slot generation: a unit that comes
// back from a hung call finds it has been superseded and exits without
// touching the slot.
//
// Shutdown sets the stop signal, injects one sentinel per worker so idle
// workers wake immediately, and joins each worker with a bounded timeout.
//
// Delivery is at most once. Records lost to a failed publish or a killed
// worker are not redelivered.
package pipeline
