// Package cmakeserver implements the server mode of a build-system generator: a long-lived
// daemon that lets IDEs and other tools query and drive the generator through a framed,
// versioned JSON request/response protocol.
//
// Messages travel over standard I/O or a named pipe (a unix domain socket on unix systems)
// and are framed by two fixed delimiter lines, so a body may span any number of lines and
// arrive in arbitrarily small chunks. Each connection starts with a "hello" greeting listing
// the supported protocol versions; the client then sends a "handshake" request that selects
// and activates one registered Protocol. Every later request is forwarded to that Protocol.
//
// The Server processes requests strictly in arrival order and keeps at most one response
// write in flight. All protocol state is owned by a single event-loop goroutine, so Protocol
// implementations never need to synchronize access to their own state.
package cmakeserver
