// ABOUTME: Root package providing version information and package documentation
// ABOUTME: The core itself lives in event/queue/broker/capture/calltree/backtrace/diag

// Package allocwatch is an in-process memory allocation profiler core: it
// observes object birth/death notifications from a managed runtime,
// aggregates them by class and by call stack, and exposes retention
// (live-object) and churn (total-ever-allocated) statistics with
// per-allocation-site attribution.
//
// The runtime binding that actually registers for those notifications is an
// external collaborator and is not part of this module. Wire one up by
// constructing a broker.Broker, calling its Enqueue method from the
// runtime's allocation/free hook, and calling Drain (directly, or via a
// capture.Capture's Stop) from whatever context the runtime considers safe
// to run user code in.
package allocwatch

// Version is the semantic version of this module.
const Version = "0.1.0-dev"
