// Package archive encodes zip containers incrementally.
//
// A [Writer] accepts members one at a time: BeginEntry, any number of Write
// calls, then EndEntry. Bodies are stored (no compression) and their sizes
// and checksums are emitted after the body in a data descriptor, so the
// length of a member never has to be known up front. Finalize appends the
// central directory and the end records once every member is closed.
//
// Every byte handed to the underlying writer is final: nothing already
// written is revisited, which lets callers stream the container to a client
// while it is still being assembled.
package archive
