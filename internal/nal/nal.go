// Package nal inspects H.264 and HEVC Annex B access units: it splits them
// into NAL units, detects the codec configuration prefix (VPS/SPS/PPS) that
// precedes a keyframe, and classifies the remaining payload.
//
// The decode pipeline uses [ConfigPrefix] to find the data a hardware decoder
// session is constructed from, [IsConfigOnly] to recognise a packet that is
// submitted as codec configuration, and [IsIDR] to flag keyframes.
package nal

import "github.com/zsiec/xrstream/internal/media"

// H.264 NAL unit types (ITU-T H.264 Table 7-1).
const (
	H264Slice = 1
	H264IDR   = 5
	H264SEI   = 6
	H264SPS   = 7
	H264PPS   = 8
	H264AUD   = 9
)

// HEVC NAL unit types (ITU-T H.265 Table 7-1).
const (
	HEVCBlaWLP     = 16
	HEVCIDRWRadl   = 19
	HEVCIDRNlp     = 20
	HEVCCraNut     = 21
	HEVCVPS        = 32
	HEVCSPS        = 33
	HEVCPPS        = 34
	HEVCAUD        = 35
	HEVCSEIPrefix  = 39
	HEVCSEISuffix  = 40
	hevcHeaderSize = 2
)

// Unit is a NAL unit located inside an Annex B buffer.
type Unit struct {
	Type byte
	// Data is the NAL payload including its header, without the start code.
	Data []byte
	// Offset is the index of the unit's start code within the scanned buffer.
	Offset int
}

// Type returns the NAL unit type encoded in the first header byte.
func Type(codec media.Codec, header byte) byte {
	if codec == media.CodecHEVC {
		return (header >> 1) & 0x3F
	}
	return header & 0x1F
}

// Split scans an Annex B byte stream and returns its NAL units. Both 3-byte
// (0x000001) and 4-byte (0x00000001) start codes are recognized. Units shorter
// than the codec's NAL header are skipped.
func Split(codec media.Codec, data []byte) []Unit {
	minLen := 1
	if codec == media.CodecHEVC {
		minLen = hevcHeaderSize
	}

	type startCode struct {
		at   int // index of the first start-code byte
		body int // index of the first NAL byte
	}

	n := len(data)
	var codes []startCode
	for i := 0; i+2 < n; {
		if data[i] == 0 && data[i+1] == 0 {
			if i+3 < n && data[i+2] == 0 && data[i+3] == 1 {
				codes = append(codes, startCode{at: i, body: i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				codes = append(codes, startCode{at: i, body: i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	units := make([]Unit, 0, len(codes))
	for k, sc := range codes {
		end := n
		if k+1 < len(codes) {
			end = codes[k+1].at
		}
		if end-sc.body < minLen {
			continue
		}
		body := data[sc.body:end]
		units = append(units, Unit{
			Type:   Type(codec, body[0]),
			Data:   body,
			Offset: sc.at,
		})
	}
	return units
}

// IsParameterSet reports whether the NAL type carries codec configuration.
func IsParameterSet(codec media.Codec, t byte) bool {
	if codec == media.CodecHEVC {
		return t == HEVCVPS || t == HEVCSPS || t == HEVCPPS
	}
	return t == H264SPS || t == H264PPS
}

// IsIDRType reports whether the NAL type is an instantaneous decode refresh
// picture.
func IsIDRType(codec media.Codec, t byte) bool {
	if codec == media.CodecHEVC {
		return t == HEVCIDRWRadl || t == HEVCIDRNlp
	}
	return t == H264IDR
}

// ConfigPrefix returns the length in bytes of the leading run of parameter set
// NAL units in data, start codes included. It returns 0 when data does not begin
// with a parameter set and len(data) when data holds nothing else.
func ConfigPrefix(codec media.Codec, data []byte) int {
	units := Split(codec, data)
	if len(units) == 0 || !IsParameterSet(codec, units[0].Type) || units[0].Offset != 0 {
		return 0
	}
	for _, u := range units[1:] {
		if !IsParameterSet(codec, u.Type) {
			return u.Offset
		}
	}
	return len(data)
}

// IsIDR reports whether data contains an IDR picture.
func IsIDR(codec media.Codec, data []byte) bool {
	for _, u := range Split(codec, data) {
		if IsIDRType(codec, u.Type) {
			return true
		}
	}
	return false
}

// IsConfigOnly reports whether data is non-empty and consists solely of
// parameter set NAL units.
func IsConfigOnly(codec media.Codec, data []byte) bool {
	units := Split(codec, data)
	if len(units) == 0 {
		return false
	}
	for _, u := range units {
		if !IsParameterSet(codec, u.Type) {
			return false
		}
	}
	return true
}

// FindSPS returns the first sequence parameter set in data, or nil.
func FindSPS(codec media.Codec, data []byte) []byte {
	want := byte(H264SPS)
	if codec == media.CodecHEVC {
		want = HEVCSPS
	}
	for _, u := range Split(codec, data) {
		if u.Type == want {
			return u.Data
		}
	}
	return nil
}
