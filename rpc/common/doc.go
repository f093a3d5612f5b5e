// Package common holds what the engine and the command line share: the socket
// configuration (Config) with its protocol defaults, and the logger factory
// that gives every package the same "LEVEL | package | message" format through
// dragonboat's logger registry.
package common
