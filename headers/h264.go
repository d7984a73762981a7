package headers

import (
	"context"
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/logger"
	"github.com/xaionaro-go/gpuvideo/types"
)

type H264VUI struct {
	TimingInfoPresent bool
	NumUnitsInTick    uint32
	TimeScale         uint32
	FixedFrameRate    bool

	BitstreamRestriction bool
	MaxNumReorderFrames  uint32
	MaxDecFrameBuffering uint32
}

func (v H264VUI) present() bool {
	return v.TimingInfoPresent || v.BitstreamRestriction
}

type H264SPS struct {
	ProfileIDC        uint8
	ConstraintFlags   uint8
	LevelIDC          uint8
	SeqParameterSetID uint32

	ChromaFormatIDC      uint32
	BitDepthLumaMinus8   uint32
	BitDepthChromaMinus8 uint32

	Log2MaxFrameNumMinus4       uint32
	PicOrderCntType             uint32
	Log2MaxPicOrderCntLsbMinus4 uint32
	MaxNumRefFrames             uint32
	GapsInFrameNumAllowed       bool

	PicWidthInMbsMinus1       uint32
	PicHeightInMapUnitsMinus1 uint32
	Direct8x8Inference        bool

	FrameCropping         bool
	FrameCropLeftOffset   uint32
	FrameCropRightOffset  uint32
	FrameCropTopOffset    uint32
	FrameCropBottomOffset uint32

	VUI H264VUI
}

type H264PPS struct {
	PicParameterSetID uint32
	SeqParameterSetID uint32

	EntropyCodingMode bool

	NumRefIdxL0DefaultActiveMinus1 uint32
	NumRefIdxL1DefaultActiveMinus1 uint32

	WeightedPred      bool
	WeightedBipredIDC uint32

	PicInitQPMinus26    int32
	PicInitQSMinus26    int32
	ChromaQPIndexOffset int32

	DeblockingFilterControlPresent bool
	ConstrainedIntraPred           bool
	RedundantPicCntPresent         bool

	// Extended enables the fields following more_rbsp_data() (High profiles).
	Extended                  bool
	Transform8x8Mode          bool
	SecondChromaQPIndexOffset int32
}

// H264PPSRefCountFields are the PPS fields superseded by per-slice
// num_ref_idx_active_override.
var H264PPSRefCountFields = []string{
	"NumRefIdxL0DefaultActiveMinus1",
	"NumRefIdxL1DefaultActiveMinus1",
}

// H264PPSEqual compares two PPSes, ignoring the reference count defaults
// if the slices override them.
func H264PPSEqual(a, b H264PPS, perSliceRefCountOverride bool) bool {
	var opts []cmp.Option
	if perSliceRefCountOverride {
		opts = append(opts, cmpopts.IgnoreFields(H264PPS{}, H264PPSRefCountFields...))
	}
	return cmp.Equal(a, b, opts...)
}

type H264Builder struct {
	activeSPS *H264SPS
	activePPS *H264PPS
}

var _ Builder = (*H264Builder)(nil)

func NewH264Builder() *H264Builder {
	return &H264Builder{}
}

func (b *H264Builder) Codec() types.Codec {
	return types.CodecH264
}

func (b *H264Builder) Reset() {
	b.activeSPS = nil
	b.activePPS = nil
}

func (b *H264Builder) ActiveSPS() (H264SPS, bool) {
	if b.activeSPS == nil {
		return H264SPS{}, false
	}
	return *b.activeSPS, true
}

func (b *H264Builder) ActivePPS() (H264PPS, bool) {
	if b.activePPS == nil {
		return H264PPS{}, false
	}
	return *b.activePPS, true
}

func h264IsHighProfile(idc uint8) bool {
	switch idc {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		return true
	}
	return false
}

func (b *H264Builder) BuildSPS(p Params) H264SPS {
	mbCols := alignUp(p.Resolution.Width, 16) / 16
	mbRows := alignUp(p.Resolution.Height, 16) / 16

	sps := H264SPS{
		ProfileIDC:                  p.Profile.IDC(),
		LevelIDC:                    uint8(p.Level),
		ChromaFormatIDC:             uint32(p.Format.ChromaFormatIDC()),
		Log2MaxFrameNumMinus4:       uint32(p.GOP.Log2MaxFrameNumMinus4),
		PicOrderCntType:             uint32(p.GOP.POCType),
		Log2MaxPicOrderCntLsbMinus4: uint32(p.GOP.Log2MaxPOCLsbMinus4),
		MaxNumRefFrames:             p.GOP.MaxReferenceFrames,
		PicWidthInMbsMinus1:         mbCols - 1,
		PicHeightInMapUnitsMinus1:   mbRows - 1,
		Direct8x8Inference:          true,
	}
	if depth := p.Format.BitDepth(); depth > 8 {
		sps.BitDepthLumaMinus8 = uint32(depth - 8)
		sps.BitDepthChromaMinus8 = uint32(depth - 8)
	}
	if p.Profile == types.ProfileH264ConstrainedBaseline {
		// constraint_set0_flag and constraint_set1_flag
		sps.ConstraintFlags = 0xc0
	}

	// 4:2:0 frame pictures crop in units of two luma samples
	if cropRight, cropBottom := mbCols*16-p.Resolution.Width, mbRows*16-p.Resolution.Height; cropRight != 0 || cropBottom != 0 {
		sps.FrameCropping = true
		sps.FrameCropRightOffset = cropRight / 2
		sps.FrameCropBottomOffset = cropBottom / 2
	}

	if !p.FrameRate.IsZero() {
		sps.VUI.TimingInfoPresent = true
		sps.VUI.NumUnitsInTick = p.FrameRate.Den
		sps.VUI.TimeScale = 2 * p.FrameRate.Num
		sps.VUI.FixedFrameRate = true
	}
	reorder := reorderFrames(p.GOP)
	sps.VUI.BitstreamRestriction = true
	sps.VUI.MaxNumReorderFrames = reorder
	sps.VUI.MaxDecFrameBuffering = max(p.GOP.MaxReferenceFrames, reorder)
	return sps
}

func (b *H264Builder) BuildPPS(p Params, pic PictureParams) H264PPS {
	cfg := p.CodecConfig.H264
	pps := H264PPS{
		EntropyCodingMode:              cfg.EntropyCodingCABAC,
		DeblockingFilterControlPresent: true,
		ConstrainedIntraPred:           cfg.ConstrainedIntraPrediction,
		Transform8x8Mode:               cfg.Transform8x8,
		Extended:                       h264IsHighProfile(p.Profile.IDC()),
	}
	if p.InitialQP != 0 {
		pps.PicInitQPMinus26 = int32(p.InitialQP) - 26
	}
	if pic.NumRefIdxL0Active > 0 {
		pps.NumRefIdxL0DefaultActiveMinus1 = pic.NumRefIdxL0Active - 1
	}
	if pic.NumRefIdxL1Active > 0 {
		pps.NumRefIdxL1DefaultActiveMinus1 = pic.NumRefIdxL1Active - 1
	}
	return pps
}

func (b *H264Builder) WriteSPS(sps H264SPS, buf *[]byte, offset int) (int, error) {
	return writeUnit(buf, offset, []byte{0x67}, func(w bitWriter) {
		w.Write(uint(sps.ProfileIDC), 8)
		w.Write(uint(sps.ConstraintFlags), 8)
		w.Write(uint(sps.LevelIDC), 8)
		w.ue(sps.SeqParameterSetID)
		if h264IsHighProfile(sps.ProfileIDC) {
			w.ue(sps.ChromaFormatIDC)
			if sps.ChromaFormatIDC == 3 {
				w.flag(false) // separate_colour_plane_flag
			}
			w.ue(sps.BitDepthLumaMinus8)
			w.ue(sps.BitDepthChromaMinus8)
			w.flag(false) // qpprime_y_zero_transform_bypass_flag
			w.flag(false) // seq_scaling_matrix_present_flag
		}
		w.ue(sps.Log2MaxFrameNumMinus4)
		w.ue(sps.PicOrderCntType)
		if sps.PicOrderCntType == 0 {
			w.ue(sps.Log2MaxPicOrderCntLsbMinus4)
		}
		w.ue(sps.MaxNumRefFrames)
		w.flag(sps.GapsInFrameNumAllowed)
		w.ue(sps.PicWidthInMbsMinus1)
		w.ue(sps.PicHeightInMapUnitsMinus1)
		w.flag(true) // frame_mbs_only_flag
		w.flag(sps.Direct8x8Inference)
		w.flag(sps.FrameCropping)
		if sps.FrameCropping {
			w.ue(sps.FrameCropLeftOffset)
			w.ue(sps.FrameCropRightOffset)
			w.ue(sps.FrameCropTopOffset)
			w.ue(sps.FrameCropBottomOffset)
		}
		w.flag(sps.VUI.present())
		if sps.VUI.present() {
			writeH264VUI(w, sps.VUI)
		}
	})
}

func writeH264VUI(w bitWriter, vui H264VUI) {
	w.flag(false) // aspect_ratio_info_present_flag
	w.flag(false) // overscan_info_present_flag
	w.flag(false) // video_signal_type_present_flag
	w.flag(false) // chroma_loc_info_present_flag
	w.flag(vui.TimingInfoPresent)
	if vui.TimingInfoPresent {
		w.Write(uint(vui.NumUnitsInTick), 32)
		w.Write(uint(vui.TimeScale), 32)
		w.flag(vui.FixedFrameRate)
	}
	w.flag(false) // nal_hrd_parameters_present_flag
	w.flag(false) // vcl_hrd_parameters_present_flag
	w.flag(false) // pic_struct_present_flag
	w.flag(vui.BitstreamRestriction)
	if vui.BitstreamRestriction {
		w.flag(true) // motion_vectors_over_pic_boundaries_flag
		w.ue(2)      // max_bytes_per_pic_denom
		w.ue(1)      // max_bits_per_mb_denom
		w.ue(16)     // log2_max_mv_length_horizontal
		w.ue(16)     // log2_max_mv_length_vertical
		w.ue(vui.MaxNumReorderFrames)
		w.ue(vui.MaxDecFrameBuffering)
	}
}

func (b *H264Builder) WritePPS(pps H264PPS, buf *[]byte, offset int) (int, error) {
	return writeUnit(buf, offset, []byte{0x68}, func(w bitWriter) {
		w.ue(pps.PicParameterSetID)
		w.ue(pps.SeqParameterSetID)
		w.flag(pps.EntropyCodingMode)
		w.flag(false) // bottom_field_pic_order_in_frame_present_flag
		w.ue(0)       // num_slice_groups_minus1
		w.ue(pps.NumRefIdxL0DefaultActiveMinus1)
		w.ue(pps.NumRefIdxL1DefaultActiveMinus1)
		w.flag(pps.WeightedPred)
		w.Write(uint(pps.WeightedBipredIDC), 2)
		w.se(pps.PicInitQPMinus26)
		w.se(pps.PicInitQSMinus26)
		w.se(pps.ChromaQPIndexOffset)
		w.flag(pps.DeblockingFilterControlPresent)
		w.flag(pps.ConstrainedIntraPred)
		w.flag(pps.RedundantPicCntPresent)
		if pps.Extended {
			w.flag(pps.Transform8x8Mode)
			w.flag(false) // pic_scaling_matrix_present_flag
			w.se(pps.SecondChromaQPIndexOffset)
		}
	})
}

func h264PrimaryPicType(t hw.FrameType) uint {
	switch t {
	case hw.FrameTypeIDR, hw.FrameTypeI:
		return 0
	case hw.FrameTypeP:
		return 1
	}
	return 2
}

func (b *H264Builder) WriteAUD(frameType hw.FrameType, buf *[]byte, offset int) (int, error) {
	return writeUnit(buf, offset, []byte{0x09}, func(w bitWriter) {
		w.Write(h264PrimaryPicType(frameType), 3)
	})
}

func (b *H264Builder) Emit(
	ctx context.Context,
	req EmitRequest,
	buf *[]byte,
	offset int,
) (_ret EmitResult, _err error) {
	logger.Tracef(ctx, "Emit")
	defer func() { logger.Tracef(ctx, "/Emit: %v %v", _ret, _err) }()

	var result EmitResult
	write := func(t UnitType, fn func(buf *[]byte, offset int) (int, error)) error {
		n, err := fn(buf, offset+result.Size)
		if err != nil {
			return fmt.Errorf("unable to write the %s: %w", t, err)
		}
		result.Size += n
		result.Units = append(result.Units, t)
		return nil
	}

	if req.AccessUnitDelimiter {
		if err := write(UnitTypeAUD, func(buf *[]byte, offset int) (int, error) {
			return b.WriteAUD(req.Picture.FrameType, buf, offset)
		}); err != nil {
			return EmitResult{}, err
		}
	}

	sps := b.BuildSPS(req.Params)
	spsNeeded := req.Force || b.activeSPS == nil || !cmp.Equal(*b.activeSPS, sps)
	if spsNeeded {
		logger.Debugf(ctx, "emitting a new SPS: %s", spew.Sdump(sps))
		if err := write(UnitTypeSPS, func(buf *[]byte, offset int) (int, error) {
			return b.WriteSPS(sps, buf, offset)
		}); err != nil {
			return EmitResult{}, err
		}
		b.activeSPS = &sps
	}

	pps := b.BuildPPS(req.Params, req.Picture)
	ppsNeeded := spsNeeded || b.activePPS == nil ||
		!H264PPSEqual(*b.activePPS, pps, req.Params.CodecConfig.H264.PerSliceRefCountOverride)
	if ppsNeeded {
		logger.Debugf(ctx, "emitting a new PPS: %s", spew.Sdump(pps))
		if err := write(UnitTypePPS, func(buf *[]byte, offset int) (int, error) {
			return b.WritePPS(pps, buf, offset)
		}); err != nil {
			return EmitResult{}, err
		}
		b.activePPS = &pps
	}

	return result, nil
}
