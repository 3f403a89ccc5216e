// Package nettable provides a replicated table of named, typed values
// shared between one hosting node and any number of clients.
//
// # Overview
//
// A hosting node owns the authoritative table and numbers every entry.
// Clients connect over TCP or websockets, receive the whole table during
// the handshake and then exchange changes in both directions. The host
// relays each accepted change to every other client.
//
// # Data model
//
// An entry has a name, a type fixed by its first write, a value and a
// 16-bit sequence number that grows with every change. A remote change is
// accepted only when its sequence number is newer than the stored one,
// compared modulo 2^16, so stale, duplicated and reordered messages are
// discarded.
//
// # Delivery
//
// Local writes are coalesced: within one flush window (WithFlushInterval)
// at most one message per entry goes out, carrying the latest value.
// Intermediate values may never reach the peers. A client that reconnects
// receives the full table again.
//
// # Values
//
// Booleans, doubles, strings, raw bytes and arrays of the first three are
// built in. Structured values are added with a ComplexCodec registered via
// WithCodec and written with PutComplex.
//
// # Listeners
//
// Listeners see every accepted change, local or remote, in the order the
// changes were applied. They may read the node but must not write to it
// from the callback.
//
// Example
//
//	host, err := nettable.New(nettable.WithBindAddr("127.0.0.1:1735"))
//	if err != nil {
//		// handle error
//	}
//	client, err := nettable.New(nettable.WithServerAddr("127.0.0.1:1735"))
//	if err != nil {
//		// handle error
//	}
//	_ = host.PutDouble(context.Background(), "speed", 1.5)
//	_, _ = client.GetDouble(context.Background(), "speed")
package nettable
