// Package rpc holds the pieces of the transport that face outwards: the engine
// configuration and the datagram transports the engine runs on.
//
// The package is organized into several subpackages:
//
//   - common: engine configuration (Config, DefaultConfig, Validate) and the
//     logger factory shared by all packages.
//
//   - transport: the IPacketTransport abstraction with a UDP implementation
//     (udp) and an in-process network for tests (memory).
//
// The protocol engine itself lives in lib/homa.
package rpc
