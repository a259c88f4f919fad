package h264

// bitWriter is the inverse of bitReader, used to synthesise parameter sets.
type bitWriter struct {
	buf  []byte
	nbit int
}

func (w *bitWriter) u(n int, v uint32) {
	for i := n - 1; i >= 0; i-- {
		if w.nbit%8 == 0 {
			w.buf = append(w.buf, 0)
		}
		if v>>uint(i)&1 == 1 {
			w.buf[len(w.buf)-1] |= 1 << (7 - uint(w.nbit%8))
		}
		w.nbit++
	}
}

func (w *bitWriter) ue(v uint32) {
	v++
	n := 0
	for t := v; t > 1; t >>= 1 {
		n++
	}
	w.u(n, 0)
	w.u(n+1, v)
}

func (w *bitWriter) trailing() {
	w.u(1, 1)
	for w.nbit%8 != 0 {
		w.u(1, 0)
	}
}

// BaselineSPS builds a constrained baseline SPS NAL unit (without start code)
// describing a width x height 4:2:0 progressive picture. Both dimensions
// must be even.
func BaselineSPS(width, height int) []byte {
	mbsW := (width + 15) / 16
	mbsH := (height + 15) / 16

	w := &bitWriter{}
	w.u(8, 66)   // profile_idc
	w.u(8, 0xc0) // constraint_set0/1
	w.u(8, 40)   // level_idc
	w.ue(0)      // seq_parameter_set_id
	w.ue(0)      // log2_max_frame_num_minus4
	w.ue(2)      // pic_order_cnt_type
	w.ue(1)      // max_num_ref_frames
	w.u(1, 0)    // gaps_in_frame_num_value_allowed_flag
	w.ue(uint32(mbsW - 1))
	w.ue(uint32(mbsH - 1))
	w.u(1, 1) // frame_mbs_only_flag
	w.u(1, 1) // direct_8x8_inference_flag

	cropRight := (mbsW*16 - width) / 2
	cropBottom := (mbsH*16 - height) / 2
	if cropRight > 0 || cropBottom > 0 {
		w.u(1, 1)
		w.ue(0)
		w.ue(uint32(cropRight))
		w.ue(0)
		w.ue(uint32(cropBottom))
	} else {
		w.u(1, 0)
	}
	w.u(1, 0) // vui_parameters_present_flag
	w.trailing()

	return append([]byte{0x67}, escapeRBSP(w.buf)...)
}

// BaselinePPS returns a minimal PPS NAL unit matching BaselineSPS.
func BaselinePPS() []byte {
	return []byte{0x68, 0xce, 0x38, 0x80}
}

// ConfigPacket returns the Annex-B SPS+PPS payload a device server sends as
// its config packet for a width x height stream.
func ConfigPacket(width, height int) []byte {
	return AnnexB(BaselineSPS(width, height), BaselinePPS())
}
