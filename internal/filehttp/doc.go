// Package filehttp exposes the exchange over HTTP: browsing the case tree
// under home, downloading files and zipped directories, and the gated upload
// and download routes used by the simulation engine.
//
// Responses are JSON. Errors use {"error": "..."} with the status mapped from
// the package sentinels of sandbox, transfer and archive.
package filehttp
