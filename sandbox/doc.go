// Package sandbox runs untrusted test suites and reports their results.
//
// A run moves through a fixed pipeline. The Orchestrator leases an identity
// from the IdentityPool and drops to it, typed as PrivilegedContext,
// UnprivilegedContext and BoundedContext so that a runner can only ever be
// started from a de-escalated, limited context. It then materializes the
// payload into a fresh Workspace and hands it to the Harness, which starts
// the runner through a Launcher and waits for it under a watchdog and a
// resource monitor. The Reporter turns the runner's structured report into
// per-test results.
//
// Every run yields an ExecutionReport. Failures of the sandbox itself are
// reported as a single synthetic error result rather than as a Go error.
//
// Usage:
//
//	orch, err := sandbox.NewOrchestrator(logger, cfg)
//	report := orch.Run(ctx, sandbox.ExecutionRequest{
//	    Files:  map[string]string{"test_app.py": src},
//	    Runner: "pytest",
//	}, orch.DefaultLimits())
package sandbox
