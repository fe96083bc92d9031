// Package security implements payload screening and protection for the Plant Monitoring Container.
//
// Guard validates and sanitises inbound subscriber text, encrypts payloads
// with XChaCha20-Poly1305 and produces keyed BLAKE3 integrity tags.
package security
