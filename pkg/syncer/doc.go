// Package syncer implements the state-synchronization layer of zephyrsync.
// It propagates small, frequently changing per-node state (resource views,
// node commands) to every member of a cluster over bidirectional streams,
// without a full mesh and without a shared log.
//
// A Syncer owns one Reactor per connected peer. Local state is pulled from
// Reporters on every Tick and pushed to each Reactor's send queue. State that
// arrives on a stream is applied through the matching Receiver and relayed to
// every other peer, so updates reach nodes that are not directly connected to
// the originator.
//
// Every (node, component) pair carries a monotonic version. Versions are the
// only deduplication key: a message that is not newer than what a table has
// already recorded is dropped. Delivery is latest-wins; intermediate versions
// may be skipped.
//
// Typical usage:
//
//	s := syncer.New("node-a", syncer.WithLogger(log))
//	s.Register(syncer.ResourceView, reporter, receiver)
//	go s.Run(ctx, 100*time.Millisecond)
//	s.Connect(ctx, remoteID, stream)
package syncer
