package audioio

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrDecode is returned when an encoded audio payload is not valid base64.
var ErrDecode = errors.New("audioio: invalid encoded audio")

// EncodeBase64 maps raw PCM bytes to the transport encoding used by the
// live service.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 is the inverse of EncodeBase64.
func DecodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return data, nil
}

// FloatToPCM16 scales float samples by 32768 and truncates them to signed
// 16-bit little-endian PCM. Samples are not clamped: values at or beyond
// +/-1.0 wrap around.
func FloatToPCM16(samples []float32) []byte {
	data := make([]byte, len(samples)*2)
	for i, f := range samples {
		s := int16(int32(f * 32768))
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return data
}

// BytesToSamples converts raw PCM16 little-endian bytes to int16 samples.
// A trailing odd byte is ignored.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}

// SamplesToBytes converts int16 samples to raw PCM16 little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return data
}
