// Package stream exposes bytes that are still being produced as lazily
// consumable readers.
//
// A [Buffer] is appended to by a single producer. Any number of readers
// created with [Buffer.NewReader] tail it from offset zero: a read returns
// whatever has been written and not yet consumed, and blocks only when the
// reader has caught up with the producer. Readers see io.EOF after the
// producer calls Close, or the producer's error after CloseWithError, once
// every byte written before that point has been delivered.
package stream
