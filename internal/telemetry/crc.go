package telemetry

// crcInit is the CRC-16/MCRF4XX seed. There is no final XOR.
const crcInit uint16 = 0xFFFF

// AccumulateCRC folds one byte into a running CRC-16/MCRF4XX value.
func AccumulateCRC(crc uint16, b byte) uint16 {
	tmp := b ^ byte(crc&0xFF)
	tmp ^= tmp << 4
	t := uint16(tmp)
	return (crc >> 8) ^ (t << 8) ^ (t << 3) ^ (t >> 4)
}

// CRC16 returns the CRC-16/MCRF4XX checksum of data.
func CRC16(data []byte) uint16 {
	crc := crcInit
	for _, b := range data {
		crc = AccumulateCRC(crc, b)
	}
	return crc
}
