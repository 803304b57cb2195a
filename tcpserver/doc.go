// Package tcpserver is a non-blocking TCP front end built on a
// [reactor.ThreadPool].
//
// The listening socket is registered on one loop (by default the pool's
// reserved loop, run by [reactor.ThreadPool.GetInPool]); accepted connections
// are spread round-robin over the active loops. Each connection is then owned
// by its loop: its callbacks run on that loop's thread, and [Conn] methods
// must only be called from there.
//
// An optional handshake phase runs before data delivery, swapping in the data
// handler with [reactor.Context.Upgrade] once it completes. Idle connections
// are closed by the loop's timing wheel.
package tcpserver
