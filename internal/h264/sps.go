package h264

import (
	"errors"
	"fmt"
)

// SPS holds the sequence parameter set fields that determine picture size.
type SPS struct {
	ProfileIDC      uint8
	ConstraintFlags uint8
	LevelIDC        uint8
	ID              uint32
	ChromaFormatIDC uint32

	PicWidthInMbs       uint32
	PicHeightInMapUnits uint32
	FrameMbsOnly        bool

	CropLeft, CropRight, CropTop, CropBottom uint32
}

// highProfiles carry chroma and bit depth fields.
var highProfiles = map[uint8]bool{
	100: true, 110: true, 122: true, 244: true, 44: true,
	83: true, 86: true, 118: true, 128: true, 138: true, 139: true, 134: true, 135: true,
}

// ParseSPS parses an SPS NAL unit given without its start code.
func ParseSPS(nal []byte) (SPS, error) {
	var sps SPS
	if TypeOf(nal) != NALSPS {
		return sps, fmt.Errorf("h264: nal type %d is not an SPS", TypeOf(nal))
	}
	if len(nal) < 4 {
		return sps, errors.New("h264: SPS too short")
	}

	br := newBitReader(unescapeRBSP(nal[1:]))

	sps.ProfileIDC = uint8(br.u(8))
	sps.ConstraintFlags = uint8(br.u(8))
	sps.LevelIDC = uint8(br.u(8))
	sps.ID = br.ue()
	sps.ChromaFormatIDC = 1

	if highProfiles[sps.ProfileIDC] {
		sps.ChromaFormatIDC = br.ue()
		if sps.ChromaFormatIDC == 3 {
			br.flag() // separate_colour_plane_flag
		}
		br.ue()   // bit_depth_luma_minus8
		br.ue()   // bit_depth_chroma_minus8
		br.flag() // qpprime_y_zero_transform_bypass_flag
		if br.flag() {
			lists := 8
			if sps.ChromaFormatIDC == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				if br.flag() {
					skipScalingList(br, i)
				}
			}
		}
	}

	br.ue() // log2_max_frame_num_minus4
	switch br.ue() {
	case 0:
		br.ue() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		br.flag() // delta_pic_order_always_zero_flag
		br.se()   // offset_for_non_ref_pic
		br.se()   // offset_for_top_to_bottom_field
		n := br.ue()
		for i := uint32(0); i < n && br.err == nil; i++ {
			br.se()
		}
	}
	br.ue()   // max_num_ref_frames
	br.flag() // gaps_in_frame_num_value_allowed_flag

	sps.PicWidthInMbs = br.ue() + 1
	sps.PicHeightInMapUnits = br.ue() + 1
	sps.FrameMbsOnly = br.flag()
	if !sps.FrameMbsOnly {
		br.flag() // mb_adaptive_frame_field_flag
	}
	br.flag() // direct_8x8_inference_flag

	if br.flag() {
		sps.CropLeft = br.ue()
		sps.CropRight = br.ue()
		sps.CropTop = br.ue()
		sps.CropBottom = br.ue()
	}

	if br.err != nil {
		return sps, fmt.Errorf("h264: parse SPS: %w", br.err)
	}
	if w, h := sps.Size(); w <= 0 || h <= 0 {
		return sps, fmt.Errorf("h264: SPS describes an empty picture (%dx%d)", w, h)
	}
	return sps, nil
}

func skipScalingList(br *bitReader, index int) {
	size := 16
	if index >= 6 {
		size = 64
	}
	last, next := int32(8), int32(8)
	for i := 0; i < size && br.err == nil; i++ {
		if next != 0 {
			next = (last + br.se() + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
}

// CodedSize returns the decoded picture size before cropping.
func (s SPS) CodedSize() (width, height int) {
	width = int(s.PicWidthInMbs) * 16
	height = int(s.PicHeightInMapUnits) * 16
	if !s.FrameMbsOnly {
		height *= 2
	}
	return width, height
}

// Size returns the displayed picture size after the cropping window.
func (s SPS) Size() (width, height int) {
	width, height = s.CodedSize()

	cropX, cropY := 1, 1
	switch s.ChromaFormatIDC {
	case 1:
		cropX, cropY = 2, 2
	case 2:
		cropX = 2
	}
	if !s.FrameMbsOnly {
		cropY *= 2
	}

	width -= int(s.CropLeft+s.CropRight) * cropX
	height -= int(s.CropTop+s.CropBottom) * cropY
	return width, height
}

// SizeFromConfig parses the SPS of a config packet and returns the displayed
// picture size.
func SizeFromConfig(config []byte) (width, height int, err error) {
	nal := FindSPS(config)
	if nal == nil {
		return 0, 0, errors.New("h264: config packet holds no SPS")
	}
	sps, err := ParseSPS(nal)
	if err != nil {
		return 0, 0, err
	}
	width, height = sps.Size()
	return width, height, nil
}
