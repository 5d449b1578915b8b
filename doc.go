// Package stm implements the state-synchronization transport at the
// core of a latency-hiding remote shell.
//
// Rather than shipping a byte stream, the transport ships diffs
// between snapshots of an application state over authenticated,
// encrypted UDP datagrams. Each endpoint tracks the newest state the
// peer has acknowledged and always diffs against that, so the
// protocol survives loss, reordering, and address changes without
// retransmission queues: a lost diff is simply superseded by the next
// one computed from the same base.
//
// The package is generic over the application state; see [State] for
// the contract. The speculative local-echo layer that sits above a
// terminal framebuffer lives in
// [github.com/stm-shell/stm/soverlay].
package stm
