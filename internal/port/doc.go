// Package port assigns host ports to container-backed sessions.
//
// Each live container session holds a slot between 0 and 9. Its forwarded
// ports are published at
//
//	hostPort = containerPort + (slot * 10000)
//
// so the first session keeps the original ports and later ones land in
// predictable bands. A shifted port that is taken (by the OS or by another
// session) moves to the next free port in its band; one that overflows
// 65535 falls back to the IANA dynamic range (49152-65535).
package port
