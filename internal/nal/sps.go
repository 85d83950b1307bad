package nal

import (
	"errors"

	"github.com/zsiec/xrstream/internal/media"
)

// ErrShortSPS is returned when a sequence parameter set ends before the
// picture size fields.
var ErrShortSPS = errors.New("nal: SPS data too short")

// SPSInfo is the part of a sequence parameter set the client needs to size
// decode surfaces.
type SPSInfo struct {
	Width   int
	Height  int
	Profile byte
	Level   byte
}

// ParseSPS reads the cropped picture size and profile/level from an SPS NAL
// unit of the given codec. nalu includes the NAL header but not the start
// code. Fields after the cropping window are not read.
func ParseSPS(codec media.Codec, nalu []byte) (SPSInfo, error) {
	if codec == media.CodecHEVC {
		return parseHEVCSPS(nalu)
	}
	return parseH264SPS(nalu)
}

// bitReader reads an RBSP MSB first. The first overrun is sticky: later
// reads return zero and err stays set, so a parser checks err once at the
// end instead of after every field.
type bitReader struct {
	data []byte
	off  int // in bits
	err  error
}

func newBitReader(rbsp []byte) *bitReader {
	return &bitReader{data: rbsp}
}

func (r *bitReader) u(n int) uint {
	if r.err != nil {
		return 0
	}
	if r.off+n > len(r.data)*8 {
		r.err = ErrShortSPS
		return 0
	}
	var v uint
	for ; n > 0; n-- {
		bit := r.data[r.off>>3] >> (7 - r.off&7) & 1
		v = v<<1 | uint(bit)
		r.off++
	}
	return v
}

func (r *bitReader) flag() bool { return r.u(1) == 1 }

func (r *bitReader) skip(n int) {
	for n > 32 {
		r.u(32)
		n -= 32
	}
	r.u(n)
}

// ue reads an unsigned Exp-Golomb value.
func (r *bitReader) ue() uint {
	zeros := 0
	for r.err == nil && r.u(1) == 0 {
		zeros++
		if zeros > 31 {
			r.err = ErrShortSPS
		}
	}
	if r.err != nil {
		return 0
	}
	return 1<<zeros - 1 + r.u(zeros)
}

// se reads a signed Exp-Golomb value.
func (r *bitReader) se() int {
	k := r.ue()
	if k&1 == 0 {
		return -int(k >> 1)
	}
	return int(k+1) >> 1
}

// h264ChromaProfiles carry chroma_format_idc and scaling matrices in the SPS.
var h264ChromaProfiles = map[uint]bool{
	44: true, 83: true, 86: true, 100: true, 110: true, 118: true,
	122: true, 128: true, 134: true, 138: true, 139: true, 244: true,
}

func parseH264SPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, ErrShortSPS
	}
	r := newBitReader(unescape(nalu[1:]))

	info := SPSInfo{Profile: byte(r.u(8))}
	r.skip(8) // constraint flags
	info.Level = byte(r.u(8))
	r.ue() // seq_parameter_set_id

	chroma := uint(1)
	if h264ChromaProfiles[uint(info.Profile)] {
		chroma = r.ue()
		if chroma == 3 && r.flag() { // separate_colour_plane_flag
			chroma = 0
		}
		r.ue()    // bit_depth_luma_minus8
		r.ue()    // bit_depth_chroma_minus8
		r.skip(1) // qpprime_y_zero_transform_bypass_flag
		if r.flag() {
			lists := 8
			if chroma == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				if !r.flag() {
					continue
				}
				size := 16
				if i >= 6 {
					size = 64
				}
				skipScalingList(r, size)
			}
		}
	}

	r.ue() // log2_max_frame_num_minus4
	switch r.ue() {
	case 0:
		r.ue() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		r.skip(1)
		r.se()
		r.se()
		for n := r.ue(); n > 0 && r.err == nil; n-- {
			r.se()
		}
	}
	r.ue()    // max_num_ref_frames
	r.skip(1) // gaps_in_frame_num_value_allowed_flag

	mbWidth := r.ue() + 1
	mapHeight := r.ue() + 1
	frameMbsOnly := r.flag()
	if !frameMbsOnly {
		r.skip(1) // mb_adaptive_frame_field_flag
	}
	r.skip(1) // direct_8x8_inference_flag

	var cropL, cropR, cropT, cropB uint
	if r.flag() {
		cropL, cropR, cropT, cropB = r.ue(), r.ue(), r.ue(), r.ue()
	}
	if r.err != nil {
		return SPSInfo{}, r.err
	}

	fields := uint(2)
	if frameMbsOnly {
		fields = 1
	}
	unitW, unitH := uint(1), fields
	switch chroma {
	case 1:
		unitW, unitH = 2, 2*fields
	case 2:
		unitW = 2
	}
	info.Width = int(mbWidth*16 - unitW*(cropL+cropR))
	info.Height = int(mapHeight*16*fields - unitH*(cropT+cropB))
	return info, nil
}

func skipScalingList(r *bitReader, size int) {
	last, next := 8, 8
	for i := 0; i < size && r.err == nil; i++ {
		if next != 0 {
			next = (last + r.se() + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
}

func parseHEVCSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, ErrShortSPS
	}
	r := newBitReader(unescape(nalu[hevcHeaderSize:]))

	r.skip(4) // sps_video_parameter_set_id
	subLayers := int(r.u(3))
	r.skip(1) // sps_temporal_id_nesting_flag

	// profile_tier_level: space, tier, profile, 32 compatibility flags and
	// 48 constraint bits precede the level.
	var info SPSInfo
	r.skip(3)
	info.Profile = byte(r.u(5))
	r.skip(32 + 48)
	info.Level = byte(r.u(8))
	if subLayers > 0 {
		var profilePresent, levelPresent [7]bool
		for i := 0; i < subLayers; i++ {
			profilePresent[i], levelPresent[i] = r.flag(), r.flag()
		}
		r.skip(2 * (8 - subLayers))
		for i := 0; i < subLayers; i++ {
			if profilePresent[i] {
				r.skip(88)
			}
			if levelPresent[i] {
				r.skip(8)
			}
		}
	}

	r.ue() // sps_seq_parameter_set_id
	chroma := r.ue()
	if chroma == 3 && r.flag() {
		chroma = 0
	}
	width, height := r.ue(), r.ue()
	var winL, winR, winT, winB uint
	if r.flag() {
		winL, winR, winT, winB = r.ue(), r.ue(), r.ue(), r.ue()
	}
	if r.err != nil {
		return SPSInfo{}, r.err
	}

	unitW, unitH := uint(1), uint(1)
	switch chroma {
	case 1:
		unitW, unitH = 2, 2
	case 2:
		unitW = 2
	}
	info.Width = int(width - unitW*(winL+winR))
	info.Height = int(height - unitH*(winT+winB))
	return info, nil
}

// unescape strips emulation prevention bytes (00 00 03) from a NAL payload.
func unescape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	zeros := 0
	for _, b := range data {
		if zeros >= 2 && b == 3 {
			zeros = 0
			continue
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}
