/*
Package admission throttles incoming queries so that aggregate cluster
memory and concurrency stay within per-pool policy limits.

Every Quarry coordinator embeds a Controller. A newly submitted query is
either admitted immediately, queued until resources free up, rejected
outright, or cancelled by the caller. There is no central arbiter:
coordinators make decisions independently and coordinate loosely through a
statestore topic carrying per-pool statistics, so all remote state is an
eventually consistent estimate and the configured thresholds are soft
limits.

# Architecture

	┌─────────────────────────────────────────────────────────────┐
	│                      SubmitForAdmission                     │
	│  resolve pool config → reconcile memory → feasibility check │
	└───────────┬──────────────────────────────────┬──────────────┘
	            │ admit now                        │ queue
	            ▼                                  ▼
	┌────────────────────┐            ┌──────────────────────────┐
	│     AdmitQuery     │            │  per-pool FIFO queue     │
	│  update PoolStats  │            │  wait on outcome cell    │
	│  + host admitted   │            │  (timeout/cancellation)  │
	└────────────────────┘            └───────────┬──────────────┘
	            ▲                                 │
	            │ admit from queue                │ signal
	┌───────────┴──────────────┐      ┌───────────┴──────────────┐
	│       DequeueLoop        │◀─────│  topic update / release  │
	│  proportional dequeue    │      │  recompute aggregates    │
	└──────────────────────────┘      └──────────────────────────┘

# Resource accounting

Two accounting mechanisms feed every feasibility check:

Mem reserved is what all backends report for fragments that have begun
execution, distributed via the statestore topic. It is accurate in the
steady state but lags by up to a heartbeat.

Mem admitted is what this coordinator committed at admission time. It is
exact and immediate but knows nothing about queries admitted elsewhere.

The maximum of the two (EffectiveMemReserved) is used for decisions, which
works well when few coordinators are active or the submission rate gives the
statestore time to catch up.

# Queueing

Each pool's queue is strictly FIFO on one coordinator; there is no ordering
across coordinators. A request is admitted immediately only when the queue
is empty, not merely below its cap, so FIFO within a pool holds. When
resources free up, each coordinator dequeues a share of the available slots
proportional to its fraction of the cluster-wide queue, which bounds the
over-admission that would result from every coordinator dequeuing at once.

# Concurrency

One coarse lock covers all controller state. Submitter goroutines block
only on the outcome cell with the lock released; the dequeue worker blocks
only on its condition variable; topic callbacks never block. Cancellation
is cooperative: the caller sets the shared outcome cell to cancelled, and
whichever of the submitter or the dequeue loop sees it first removes the
node from the queue.
*/
package admission
