// Package api hosts the HTTP handlers of the newsroom read API.
//
// Every collection in the content catalog is served under /api/{collection}
// with keyset, offset and search paging, single and batch lookups, and a
// prefix autocomplete endpoint. Handlers only translate between HTTP and
// content.Service: query parameters become paging params, build options and
// equality filters, and service errors become status codes.
//
// The requester a request acts for is read from the X-Requester-ID header,
// which a trusted gateway in front of the service sets. Handlers assume the
// middleware in internal/server has already assigned a request id and
// installed logging and metrics.
package api
