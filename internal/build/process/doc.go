// Package process manages the external compile and run processes.
//
// The Runner owns two execution slots, one for the compiler and one for
// the compiled program. Each slot admits at most one running process at a
// time. Spawned processes are placed in their own process group so that
// Kill terminates the whole subtree the external tool may have forked,
// not just the immediate child.
//
// Output is streamed as tagged chunks over a channel that closes when the
// process reaches a terminal state, so consumers can display long-running
// output incrementally.
package process
