// Package main is the entry point for the testbox server.
//
// The testbox server runs untrusted test suites in a sandbox and reports the
// results per test. It exposes the sandbox as an MCP tool over stdio or
// streamable HTTP and, when enabled, as a REST API. Each run executes under a
// leased unprivileged identity with kernel resource ceilings, a wall clock
// watchdog and a process tree monitor.
//
// The same binary is the sandbox init stage: started as "testbox init" it
// reads a launch plan from file descriptor 3, drops privileges and executes
// the test runner.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
