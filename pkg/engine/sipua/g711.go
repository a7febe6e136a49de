package sipua

// Кодирование G.711 (ITU-T G.711), 8 кГц, 8 бит на отсчет.

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// LinearToUlaw кодирует 16-битный отсчет в μ-law
func LinearToUlaw(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias

	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

// UlawToLinear декодирует μ-law отсчет
func UlawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := int(u>>4) & 0x07
	mantissa := int(u & 0x0F)
	s := ((mantissa << 3) + ulawBias) << exponent
	s -= ulawBias
	if sign != 0 {
		return int16(-s)
	}
	return int16(s)
}

// LinearToAlaw кодирует 16-битный отсчет в A-law
func LinearToAlaw(sample int16) byte {
	s := int(sample) >> 3
	mask := 0xD5
	if s < 0 {
		mask = 0x55
		s = -s - 1
	}

	seg := 0
	for end := 0x1F; seg < 8 && s > end; end = end<<1 | 1 {
		seg++
	}
	if seg >= 8 {
		return byte(0x7F ^ mask)
	}
	a := seg << 4
	if seg < 2 {
		a |= (s >> 1) & 0x0F
	} else {
		a |= (s >> seg) & 0x0F
	}
	return byte(a ^ mask)
}

// AlawToLinear декодирует A-law отсчет
func AlawToLinear(a byte) int16 {
	a ^= 0x55
	t := int(a&0x0F) << 4
	seg := int(a&0x70) >> 4
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if a&0x80 != 0 {
		return int16(t)
	}
	return int16(-t)
}

// encodeFrame кодирует кадр кодеком c
func encodeFrame(c Codec, pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		if c.PayloadType == PayloadPCMA {
			out[i] = LinearToAlaw(s)
		} else {
			out[i] = LinearToUlaw(s)
		}
	}
	return out
}

// decodeFrame декодирует полезную нагрузку RTP
func decodeFrame(c Codec, payload []byte) []int16 {
	out := make([]int16, len(payload))
	for i, b := range payload {
		if c.PayloadType == PayloadPCMA {
			out[i] = AlawToLinear(b)
		} else {
			out[i] = UlawToLinear(b)
		}
	}
	return out
}
