// Package transport carries federation requests between servers over gRPC.
//
// Requests and responses are the JSON shapes from package federation,
// exchanged through a JSON codec registered under the "json" content
// subtype, so no generated stubs are involved. Servers are reached through a
// static map of server names to addresses; connections are pooled per
// destination behind a circuit breaker.
//
// With TLS configured both sides present certificates issued by a shared CA,
// and the server checks that the certificate of the calling server is valid
// for the origin named in each transaction.
package transport
