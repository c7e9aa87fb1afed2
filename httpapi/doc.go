// Package httpapi serves the sandbox over a small REST API built on chi.
//
// POST /execute_tests accepts inline files, a code_to_test string written to
// solution.py, and a test_files_url pointing at a tar archive that is
// downloaded and safely extracted. It answers with the execution report,
// including when the archive cannot be fetched: that run is reported as
// crashed. Only a malformed request gets a 400.
// GET /health reports liveness. Every request is bound to the X-Trace-ID
// header, or a generated id, in its logger.
package httpapi
