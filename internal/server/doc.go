// Package server hosts the Fiber HTTP service for the gateway read path:
// request middleware (request IDs, trailing-slash stripping, access log),
// the PEP 503 simple pages, the per-version JSON documents, and the cached
// file downloads. Handlers only read through gateway.Reader; nothing served
// here ever writes to the cache directories.
package server
