// Package server hosts the newsroom read API behind one HTTP server.
//
// New assembles the middleware chain every request passes through: security
// headers, request ids, CORS, requester resolution, request logging, rate
// limiting and metrics, in that order, before the API routes and the
// /metrics endpoint.
package server
