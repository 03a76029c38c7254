/*
Package blocksync implements the chain synchronization engine: the component
that decides what to request from which peer, verifies what comes back and
reconciles competing chains through fork-choice and reorganization.

It is made of four parts, each guarded by its own lock and only mutated by
its own methods:

The Scheduler turns "we need headers [a,b] of chain T" (or bodies, or a
missing ancestor, or a divergence probe) into RequestTickets assigned to
peers. It enforces a global in-flight cap, a per-peer cap that scales with
the peer's responsiveness and one-to-one assignment of work. Expired tickets
are swept, their peers penalized and their work requeued on another peer
until the retry budget is spent, at which point the work is stalled.

The ImportQueue takes downloaded headers and bodies through the stages
Unverified, StructurallyValid, HeaderVerified, AncestryResolved,
BodyVerified and ReadyToImport. Blocks whose parent is unknown are parked
and an ancestor request is raised.

The ChainView is the local belief of the canonical tip together with a
bounded set of lighter alternative tips.

The Controller drives all of the above from a single Step entry point:
it picks a sync target among the peers, locates the divergence point with
probes, schedules downloads and adopts the heaviest ready branch, by
extension or by an all-or-nothing reorganization.

The Reactor connects the engine to the p2p Router. It serves headers and
bodies to peers, broadcasts our status and runs the controller loop.
*/
package blocksync
