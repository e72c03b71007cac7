// Package registry stores finished archives in an OCI registry.
//
// Each archive is pushed as a single-layer OCI artifact and tagged with the
// hex encoding of its fingerprint. The tag is pushed last, so a tag that
// resolves always points at a complete archive. Layer reads are verified
// against their digest.
package registry
