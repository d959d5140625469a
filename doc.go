// Package dbuswire implements the client-side DBus wire protocol:
// bus addresses, the typed value model, and the binary message codec.
//
// This package is deliberately low level. It deals in [Message]
// values and their wire encoding, and knows nothing about method
// dispatch, signal routing or object proxies. Use
// [github.com/danderson/dbuswire/transport] to open and authenticate
// a connection to a bus and exchange messages over it; layer your own
// dispatcher above that.
package dbuswire
