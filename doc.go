// Package cansim provides the core types for generating, replaying and
// observing Controller Area Network (CAN) traffic.
//
// It includes:
//   - A Frame record with validation, binary and text helpers
//   - A Bus abstraction with an in-memory loopback bus for tests and simulations
//   - A slog-backed Bus decorator
//   - MutationRule and GeneratorSpec, parsed from their colon-delimited forms
//   - A Linux SocketCAN driver (linux-only) built on go.einride.tech/can
//
// Replay and periodic scheduling live in package sched, frame logs in
// package trace, and the concurrent session wiring in package session.
package cansim
