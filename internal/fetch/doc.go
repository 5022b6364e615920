// Package fetch performs the single HTTP fetch over an established tunnel.
//
// The tunnel is a net.Conn. Upgrader optionally wraps it in TLS; because
// *tls.Conn is itself a net.Conn, the Requester does not care whether it was
// wrapped. The Requester owns the connection it is handed and closes it when
// the fetch ends.
//
// Design decision: We write the request with net/http's wire encoder and parse
// the response with http.ReadResponse instead of using http.Transport, because
// the connection is already dialed (and possibly TLS-wrapped) through a Tor
// circuit that must be used exactly once. A Transport would want to dial and
// pool connections itself.
package fetch
