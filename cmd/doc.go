// Package cmd implements the command-line interface of the homa transport. It
// runs an echo server and a load generating client on top of a UDP socket.
//
// The package is organized into several subpackages:
//
//   - serve: echo server, optionally exposing Prometheus metrics
//   - send: client that issues requests to an echo server and prints latency percentiles
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See homa -help for a list of all commands.
package cmd
