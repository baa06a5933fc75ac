// Package catalog builds metadata records for files and directories under a
// sandboxed root. Records are computed per call and never cached.
//
// Listings hold immediate children only. Directory sizes are the recursive
// sum of regular file sizes. Marked cases are directories holding a
// controlDict file two levels down (<case>/system/controlDict).
package catalog
