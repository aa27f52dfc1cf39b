package toc

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putUint40(b []byte, v uint64) {
	for i := 0; i < 5; i++ {
		b[4-i] = byte(v >> (8 * i))
	}
}

func getUint40(b []byte) uint64 {
	var v uint64
	for i := 0; i < 5; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putUint32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[3-i] = byte(v >> (8 * i))
	}
}

func getUint32(b []byte) uint32 {
	var v uint32
	for i := 0; i < 4; i++ {
		v = v<<8 | uint32(b[i])
	}
	return v
}

func putUint24(b []byte, v uint32) {
	for i := 0; i < 3; i++ {
		b[2-i] = byte(v >> (8 * i))
	}
}

func getUint24(b []byte) uint32 {
	var v uint32
	for i := 0; i < 3; i++ {
		v = v<<8 | uint32(b[i])
	}
	return v
}
