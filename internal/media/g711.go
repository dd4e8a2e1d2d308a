package media

// G.711 u-law (PCMU) decoding table: maps each u-law byte to a 16-bit linear PCM sample.
var ulawToLinear [256]int16

// G.711 a-law (PCMA) decoding table: maps each a-law byte to a 16-bit linear PCM sample.
var alawToLinear [256]int16

// G.711 u-law encoding table: maps 16-bit signed sample to a u-law byte.
var linearToUlaw [65536]uint8

// G.711 a-law encoding table: maps 16-bit signed sample to an a-law byte.
var linearToAlaw [65536]uint8

func init() {
	// Build u-law decode table.
	for i := 0; i < 256; i++ {
		ulawToLinear[i] = decodeUlaw(uint8(i))
	}
	// Build a-law decode table.
	for i := 0; i < 256; i++ {
		alawToLinear[i] = decodeAlaw(uint8(i))
	}
	// Build u-law encode table.
	for i := -32768; i <= 32767; i++ {
		linearToUlaw[uint16(int16(i))] = encodeUlaw(int16(i))
	}
	// Build a-law encode table.
	for i := -32768; i <= 32767; i++ {
		linearToAlaw[uint16(int16(i))] = encodeAlaw(int16(i))
	}
}

// decodeUlaw converts a u-law byte to a 16-bit linear PCM sample.
func decodeUlaw(u uint8) int16 {
	// Complement to obtain the original code.
	u = ^u
	sign := int16(1)
	if u&0x80 != 0 {
		sign = -1
		u &= 0x7F
	}
	exponent := int((u >> 4) & 0x07)
	mantissa := int(u & 0x0F)
	sample := int16(((2*mantissa + 33) << uint(exponent)) - 33)
	return sign * sample
}

// decodeAlaw converts an a-law byte to a 16-bit linear PCM sample.
func decodeAlaw(a uint8) int16 {
	a ^= 0x55
	sign := int16(1)
	if a&0x80 != 0 {
		a &= 0x7F
	} else {
		sign = -1
	}
	exponent := int((a >> 4) & 0x07)
	mantissa := int(a & 0x0F)
	var sample int16
	if exponent == 0 {
		sample = int16(mantissa<<4 | 0x08)
	} else {
		sample = int16((mantissa<<4 | 0x108) << uint(exponent-1))
	}
	return sign * sample
}

// encodeUlaw converts a 16-bit linear PCM sample to a u-law byte.
func encodeUlaw(sample int16) uint8 {
	// Bias and clamp.
	const bias = 0x84
	const clip = 32635

	sign := uint8(0)
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > clip {
		sample = clip
	}
	sample += bias

	exponent := 7
	mask := int16(0x4000)
	for exponent > 0 {
		if sample&mask != 0 {
			break
		}
		exponent--
		mask >>= 1
	}

	mantissa := (sample >> (uint(exponent) + 3)) & 0x0F
	uval := ^(sign | uint8(exponent<<4) | uint8(mantissa))
	return uval
}

// encodeAlaw converts a 16-bit linear PCM sample to an a-law byte.
func encodeAlaw(sample int16) uint8 {
	sign := uint8(0xD5)
	if sample < 0 {
		sample = -sample
		sign = 0x55
	}

	if sample > 4095 {
		sample = 4095
	}

	var exponent int
	var mantissa int
	if sample < 256 {
		exponent = 0
		mantissa = int(sample) >> 4
	} else {
		exp := 1
		expMask := int16(512)
		for exp < 7 {
			if sample < expMask<<1 {
				break
			}
			exp++
			expMask <<= 1
		}
		exponent = exp
		mantissa = (int(sample) >> uint(exponent+3)) & 0x0F
	}

	aval := uint8(exponent<<4 | mantissa)
	return aval ^ sign
}

// DecodeG711 converts a G.711 RTP payload to linear PCM samples, appending
// to dst and returning the extended slice. payloadType selects the codec
// (PayloadPCMU or PayloadPCMA); bytes of any other payload type are ignored
// and dst is returned unchanged.
func DecodeG711(dst []int16, payload []byte, payloadType int) []int16 {
	switch payloadType {
	case PayloadPCMU:
		for _, b := range payload {
			dst = append(dst, ulawToLinear[b])
		}
	case PayloadPCMA:
		for _, b := range payload {
			dst = append(dst, alawToLinear[b])
		}
	}
	return dst
}

// EncodeG711 converts linear PCM samples to a G.711 payload of the given
// payload type, appending to dst. Used by the synthetic stream helpers and
// tests; the detection path only decodes.
func EncodeG711(dst []byte, samples []int16, payloadType int) []byte {
	switch payloadType {
	case PayloadPCMU:
		for _, s := range samples {
			dst = append(dst, linearToUlaw[uint16(s)])
		}
	case PayloadPCMA:
		for _, s := range samples {
			dst = append(dst, linearToAlaw[uint16(s)])
		}
	}
	return dst
}
