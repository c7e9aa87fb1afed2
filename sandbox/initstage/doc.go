// Package initstage is the first code that runs inside a sandboxed process.
//
// The server binary re-executes itself as "<binary> init" with a plan on
// file descriptor 3 and a close-on-exec status pipe on descriptor 4. The init
// stage switches to the leased identity, verifies the switch through
// getresuid, getresgid and the CapEff mask, installs the resource ceilings,
// sets no_new_privs and finally replaces itself with the test runner. Any
// failure is written to the status pipe as JSON before the process exits, so
// the runner never starts with an unverified identity.
package initstage
