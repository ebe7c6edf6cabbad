package rdb

import "hash/crc64"

// jonesPoly is the reversed bit order form of the Jones polynomial
// (0xad93d23594c935a9) Redis uses for RDB checksums.
const jonesPoly = 0x95ac9329ac4bc9b5

var jonesTable = crc64.MakeTable(jonesPoly)

// Checksum extends crc with p. Redis computes CRC-64/Jones with a zero
// initial value and no final xor, while hash/crc64 complements on entry
// and exit; complementing both sides cancels that out.
func Checksum(crc uint64, p []byte) uint64 {
	return ^crc64.Update(^crc, jonesTable, p)
}
