// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the sandbox as the run_tests tool. It uses
// the mark3labs/mcp-go library to handle the protocol details. A call carries
// the workspace files, optionally a base64 tar archive and a dependency
// manifest, and gets back the execution report encoded as JSON or YAML.
//
// The server supports both stdio and streamable HTTP transports as configured
// by the application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, orchestrator)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
