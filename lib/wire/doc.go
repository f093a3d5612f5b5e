// Package wire defines the packets exchanged by the transport engine and their
// binary encoding.
//
// Every packet starts with a common header:
//
//	[0]     packet type
//	[1]     flags
//	[2:4]   reserved (zero)
//	[4:12]  RPC id as known by the sender (uint64, big endian)
//
// followed by a type specific part. Clients allocate even RPC ids, servers use
// the client's id with the low bit set, so the receiver of a packet finds its own
// id as LocalID(senderID).
//
// Framing, checksums and addressing belong to the packet transport underneath
// (UDP or the in-memory network); a decoded Packet only carries what the engine needs.
package wire
