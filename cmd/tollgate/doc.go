// Command tollgate runs the OAuth authorization server and the MCP tool gateway it protects.
//
// Subcommands cover serving, writing a starter config, hashing passwords,
// managing clients in the configured store and probing a running server's health.
package main
