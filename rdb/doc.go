// Package rdb implements the Redis RDB snapshot file format.
//
// The codec covers the subset the server persists: version-11 header,
// auxiliary metadata subsections, database subsections with hashtable size
// hints, string values with optional absolute expiration at second or
// millisecond precision, and the trailing CRC-64 checksum computed with
// the Jones polynomial as Redis does.
//
// Decoding is streaming and strict: malformed bytes, LZF-compressed
// strings and unknown value-type flags abort the parse. A trailing
// all-zero checksum is accepted for compatibility with writers that do
// not checksum.
package rdb
