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

const (
	hevcNalTypeVPS = 32
	hevcNalTypeSPS = 33
	hevcNalTypePPS = 34
	hevcNalTypeAUD = 35
)

func hevcNALHeader(nalType uint8) []byte {
	// forbidden_zero_bit, nal_unit_type, nuh_layer_id = 0, nuh_temporal_id_plus1 = 1
	return []byte{nalType << 1, 0x01}
}

// HEVCProfileTierLevel is profile_tier_level() of the main tier without
// sub-layer information.
type HEVCProfileTierLevel struct {
	ProfileIDC uint8

	// CompatibilityFlags has bit j set if general_profile_compatibility_flag[j] is.
	CompatibilityFlags uint32

	ProgressiveSource   bool
	InterlacedSource    bool
	NonPackedConstraint bool
	FrameOnlyConstraint bool

	LevelIDC uint8
}

func writeHEVCProfileTierLevel(w bitWriter, ptl HEVCProfileTierLevel, maxSubLayersMinus1 uint8) {
	w.Write(0, 2) // general_profile_space
	w.flag(false) // general_tier_flag
	w.Write(uint(ptl.ProfileIDC), 5)
	for j := 0; j < 32; j++ {
		w.Write(uint(ptl.CompatibilityFlags>>j)&1, 1)
	}
	w.flag(ptl.ProgressiveSource)
	w.flag(ptl.InterlacedSource)
	w.flag(ptl.NonPackedConstraint)
	w.flag(ptl.FrameOnlyConstraint)
	w.Write(0, 32) // general_reserved_zero_43bits
	w.Write(0, 11)
	w.Write(0, 1) // general_inbld_flag
	w.Write(uint(ptl.LevelIDC), 8)
	for i := uint8(0); i < maxSubLayersMinus1; i++ {
		w.flag(false) // sub_layer_profile_present_flag
		w.flag(false) // sub_layer_level_present_flag
	}
	if maxSubLayersMinus1 > 0 {
		for i := maxSubLayersMinus1; i < 8; i++ {
			w.Write(0, 2) // reserved_zero_2bits
		}
	}
}

type HEVCSubLayerOrdering struct {
	MaxDecPicBufferingMinus1 uint32
	MaxNumReorderPics        uint32
	MaxLatencyIncreasePlus1  uint32
}

func writeHEVCSubLayerOrdering(w bitWriter, o HEVCSubLayerOrdering, present bool, maxSubLayersMinus1 uint8) {
	w.flag(present)
	first := maxSubLayersMinus1
	if present {
		first = 0
	}
	for i := first; i <= maxSubLayersMinus1; i++ {
		w.ue(o.MaxDecPicBufferingMinus1)
		w.ue(o.MaxNumReorderPics)
		w.ue(o.MaxLatencyIncreasePlus1)
	}
}

type HEVCVPS struct {
	VideoParameterSetID         uint8
	MaxSubLayersMinus1          uint8
	TemporalIDNesting           bool
	ProfileTierLevel            HEVCProfileTierLevel
	SubLayerOrderingInfoPresent bool
	SubLayerOrdering            HEVCSubLayerOrdering
}

type HEVCVUI struct {
	TimingInfoPresent bool
	NumUnitsInTick    uint32
	TimeScale         uint32
}

type HEVCSPS struct {
	VideoParameterSetID uint8
	MaxSubLayersMinus1  uint8
	TemporalIDNesting   bool
	ProfileTierLevel    HEVCProfileTierLevel
	SeqParameterSetID   uint32
	ChromaFormatIDC     uint32

	PicWidthInLumaSamples  uint32
	PicHeightInLumaSamples uint32

	ConformanceWindow    bool
	ConfWinLeftOffset    uint32
	ConfWinRightOffset   uint32
	ConfWinTopOffset     uint32
	ConfWinBottomOffset  uint32
	BitDepthLumaMinus8   uint32
	BitDepthChromaMinus8 uint32

	Log2MaxPicOrderCntLsbMinus4 uint32
	SubLayerOrderingInfoPresent bool
	SubLayerOrdering            HEVCSubLayerOrdering

	Log2MinLumaCodingBlockSizeMinus3     uint32
	Log2DiffMaxMinLumaCodingBlockSize    uint32
	Log2MinLumaTransformBlockSizeMinus2  uint32
	Log2DiffMaxMinLumaTransformBlockSize uint32
	MaxTransformHierarchyDepthInter      uint32
	MaxTransformHierarchyDepthIntra      uint32

	AMP                    bool
	SampleAdaptiveOffset   bool
	LongTermRefPicsPresent bool
	TemporalMVP            bool
	StrongIntraSmoothing   bool

	VUIPresent bool
	VUI        HEVCVUI
}

type HEVCPPS struct {
	PicParameterSetID uint32
	SeqParameterSetID uint32

	CabacInitPresent bool

	NumRefIdxL0DefaultActiveMinus1 uint32
	NumRefIdxL1DefaultActiveMinus1 uint32

	InitQPMinus26        int32
	ConstrainedIntraPred bool
	TransformSkipEnabled bool
	CUQPDeltaEnabled     bool
	DiffCUQPDeltaDepth   uint32
	CbQPOffset           int32
	CrQPOffset           int32

	LoopFilterAcrossSlicesEnabled bool
	ListsModificationPresent      bool
}

var HEVCPPSRefCountFields = []string{
	"NumRefIdxL0DefaultActiveMinus1",
	"NumRefIdxL1DefaultActiveMinus1",
}

func HEVCPPSEqual(a, b HEVCPPS, perSliceRefCountOverride bool) bool {
	var opts []cmp.Option
	if perSliceRefCountOverride {
		opts = append(opts, cmpopts.IgnoreFields(HEVCPPS{}, HEVCPPSRefCountFields...))
	}
	return cmp.Equal(a, b, opts...)
}

// HEVCBlockSizes returns the coding configuration with zero block sizes
// replaced by defaults.
func HEVCBlockSizes(cfg hw.HEVCCodecConfig) hw.HEVCCodecConfig {
	if cfg.MinCodingBlockSizeLog2 == 0 {
		cfg.MinCodingBlockSizeLog2 = 3
	}
	if cfg.MaxCodingBlockSizeLog2 == 0 {
		cfg.MaxCodingBlockSizeLog2 = 5
	}
	if cfg.MinTransformBlockSizeLog2 == 0 {
		cfg.MinTransformBlockSizeLog2 = 2
	}
	if cfg.MaxTransformBlockSizeLog2 == 0 {
		cfg.MaxTransformBlockSizeLog2 = 5
	}
	return cfg
}

type HEVCBuilder struct {
	activeVPS *HEVCVPS
	activeSPS *HEVCSPS
	activePPS *HEVCPPS
}

var _ Builder = (*HEVCBuilder)(nil)

func NewHEVCBuilder() *HEVCBuilder {
	return &HEVCBuilder{}
}

func (b *HEVCBuilder) Codec() types.Codec {
	return types.CodecHEVC
}

func (b *HEVCBuilder) Reset() {
	b.activeVPS = nil
	b.activeSPS = nil
	b.activePPS = nil
}

func (b *HEVCBuilder) ActiveVPS() (HEVCVPS, bool) {
	if b.activeVPS == nil {
		return HEVCVPS{}, false
	}
	return *b.activeVPS, true
}

func (b *HEVCBuilder) ActiveSPS() (HEVCSPS, bool) {
	if b.activeSPS == nil {
		return HEVCSPS{}, false
	}
	return *b.activeSPS, true
}

func (b *HEVCBuilder) ActivePPS() (HEVCPPS, bool) {
	if b.activePPS == nil {
		return HEVCPPS{}, false
	}
	return *b.activePPS, true
}

func hevcProfileTierLevel(p Params) HEVCProfileTierLevel {
	ptl := HEVCProfileTierLevel{
		ProfileIDC:          p.Profile.IDC(),
		ProgressiveSource:   true,
		FrameOnlyConstraint: true,
		LevelIDC:            uint8(p.Level),
	}
	ptl.CompatibilityFlags = 1 << ptl.ProfileIDC
	if p.Profile == types.ProfileHEVCMain {
		// a Main stream is decodable by Main 10 decoders
		ptl.CompatibilityFlags |= 1 << types.ProfileHEVCMain10.IDC()
	}
	return ptl
}

func hevcSubLayerOrdering(gop hw.GOPStructure) HEVCSubLayerOrdering {
	reorder := reorderFrames(gop)
	return HEVCSubLayerOrdering{
		MaxDecPicBufferingMinus1: max(gop.MaxReferenceFrames, reorder),
		MaxNumReorderPics:        reorder,
	}
}

func (b *HEVCBuilder) BuildVPS(p Params) HEVCVPS {
	return HEVCVPS{
		TemporalIDNesting:           true,
		ProfileTierLevel:            hevcProfileTierLevel(p),
		SubLayerOrderingInfoPresent: true,
		SubLayerOrdering:            hevcSubLayerOrdering(p.GOP),
	}
}

func (b *HEVCBuilder) BuildSPS(p Params) HEVCSPS {
	cfg := HEVCBlockSizes(p.CodecConfig.HEVC)
	minCB := uint32(1) << cfg.MinCodingBlockSizeLog2
	width := alignUp(p.Resolution.Width, minCB)
	height := alignUp(p.Resolution.Height, minCB)

	sps := HEVCSPS{
		TemporalIDNesting:                    true,
		ProfileTierLevel:                     hevcProfileTierLevel(p),
		ChromaFormatIDC:                      uint32(p.Format.ChromaFormatIDC()),
		PicWidthInLumaSamples:                width,
		PicHeightInLumaSamples:               height,
		Log2MaxPicOrderCntLsbMinus4:          uint32(p.GOP.Log2MaxPOCLsbMinus4),
		SubLayerOrderingInfoPresent:          true,
		SubLayerOrdering:                     hevcSubLayerOrdering(p.GOP),
		Log2MinLumaCodingBlockSizeMinus3:     uint32(cfg.MinCodingBlockSizeLog2) - 3,
		Log2DiffMaxMinLumaCodingBlockSize:    uint32(cfg.MaxCodingBlockSizeLog2 - cfg.MinCodingBlockSizeLog2),
		Log2MinLumaTransformBlockSizeMinus2:  uint32(cfg.MinTransformBlockSizeLog2) - 2,
		Log2DiffMaxMinLumaTransformBlockSize: uint32(cfg.MaxTransformBlockSizeLog2 - cfg.MinTransformBlockSizeLog2),
		MaxTransformHierarchyDepthInter:      uint32(cfg.MaxTransformHierarchyDepthInter),
		MaxTransformHierarchyDepthIntra:      uint32(cfg.MaxTransformHierarchyDepthIntra),
		AMP:                                  cfg.AsymmetricMotionPartition,
		SampleAdaptiveOffset:                 cfg.SampleAdaptiveOffset,
		LongTermRefPicsPresent:               true,
		TemporalMVP:                          cfg.TemporalMVP,
		StrongIntraSmoothing:                 true,
	}
	if depth := p.Format.BitDepth(); depth > 8 {
		sps.BitDepthLumaMinus8 = uint32(depth - 8)
		sps.BitDepthChromaMinus8 = uint32(depth - 8)
	}
	// offsets are in chroma samples of 4:2:0
	if right, bottom := width-p.Resolution.Width, height-p.Resolution.Height; right != 0 || bottom != 0 {
		sps.ConformanceWindow = true
		sps.ConfWinRightOffset = right / 2
		sps.ConfWinBottomOffset = bottom / 2
	}
	if !p.FrameRate.IsZero() {
		sps.VUIPresent = true
		sps.VUI = HEVCVUI{
			TimingInfoPresent: true,
			NumUnitsInTick:    p.FrameRate.Den,
			TimeScale:         p.FrameRate.Num,
		}
	}
	return sps
}

func (b *HEVCBuilder) BuildPPS(p Params, pic PictureParams) HEVCPPS {
	cfg := p.CodecConfig.HEVC
	pps := HEVCPPS{
		CabacInitPresent:              true,
		ConstrainedIntraPred:          cfg.ConstrainedIntraPrediction,
		TransformSkipEnabled:          cfg.TransformSkip,
		CUQPDeltaEnabled:              p.QPDelta,
		LoopFilterAcrossSlicesEnabled: cfg.LoopFilterAcrossSlices,
		ListsModificationPresent:      p.GOP.MaxReferenceFrames > 1,
	}
	if p.InitialQP != 0 {
		pps.InitQPMinus26 = int32(p.InitialQP) - 26
	}
	if pic.NumRefIdxL0Active > 0 {
		pps.NumRefIdxL0DefaultActiveMinus1 = pic.NumRefIdxL0Active - 1
	}
	if pic.NumRefIdxL1Active > 0 {
		pps.NumRefIdxL1DefaultActiveMinus1 = pic.NumRefIdxL1Active - 1
	}
	return pps
}

func (b *HEVCBuilder) WriteVPS(vps HEVCVPS, buf *[]byte, offset int) (int, error) {
	return writeUnit(buf, offset, hevcNALHeader(hevcNalTypeVPS), func(w bitWriter) {
		w.Write(uint(vps.VideoParameterSetID), 4)
		w.flag(true)  // vps_base_layer_internal_flag
		w.flag(true)  // vps_base_layer_available_flag
		w.Write(0, 6) // vps_max_layers_minus1
		w.Write(uint(vps.MaxSubLayersMinus1), 3)
		w.flag(vps.TemporalIDNesting)
		w.Write(0xffff, 16) // vps_reserved_0xffff_16bits
		writeHEVCProfileTierLevel(w, vps.ProfileTierLevel, vps.MaxSubLayersMinus1)
		writeHEVCSubLayerOrdering(w, vps.SubLayerOrdering, vps.SubLayerOrderingInfoPresent, vps.MaxSubLayersMinus1)
		w.Write(0, 6) // vps_max_layer_id
		w.ue(0)       // vps_num_layer_sets_minus1
		w.flag(false) // vps_timing_info_present_flag
		w.flag(false) // vps_extension_flag
	})
}

func (b *HEVCBuilder) WriteSPS(sps HEVCSPS, buf *[]byte, offset int) (int, error) {
	return writeUnit(buf, offset, hevcNALHeader(hevcNalTypeSPS), func(w bitWriter) {
		w.Write(uint(sps.VideoParameterSetID), 4)
		w.Write(uint(sps.MaxSubLayersMinus1), 3)
		w.flag(sps.TemporalIDNesting)
		writeHEVCProfileTierLevel(w, sps.ProfileTierLevel, sps.MaxSubLayersMinus1)
		w.ue(sps.SeqParameterSetID)
		w.ue(sps.ChromaFormatIDC)
		if sps.ChromaFormatIDC == 3 {
			w.flag(false) // separate_colour_plane_flag
		}
		w.ue(sps.PicWidthInLumaSamples)
		w.ue(sps.PicHeightInLumaSamples)
		w.flag(sps.ConformanceWindow)
		if sps.ConformanceWindow {
			w.ue(sps.ConfWinLeftOffset)
			w.ue(sps.ConfWinRightOffset)
			w.ue(sps.ConfWinTopOffset)
			w.ue(sps.ConfWinBottomOffset)
		}
		w.ue(sps.BitDepthLumaMinus8)
		w.ue(sps.BitDepthChromaMinus8)
		w.ue(sps.Log2MaxPicOrderCntLsbMinus4)
		writeHEVCSubLayerOrdering(w, sps.SubLayerOrdering, sps.SubLayerOrderingInfoPresent, sps.MaxSubLayersMinus1)
		w.ue(sps.Log2MinLumaCodingBlockSizeMinus3)
		w.ue(sps.Log2DiffMaxMinLumaCodingBlockSize)
		w.ue(sps.Log2MinLumaTransformBlockSizeMinus2)
		w.ue(sps.Log2DiffMaxMinLumaTransformBlockSize)
		w.ue(sps.MaxTransformHierarchyDepthInter)
		w.ue(sps.MaxTransformHierarchyDepthIntra)
		w.flag(false) // scaling_list_enabled_flag
		w.flag(sps.AMP)
		w.flag(sps.SampleAdaptiveOffset)
		w.flag(false) // pcm_enabled_flag
		w.ue(0)       // num_short_term_ref_pic_sets
		w.flag(sps.LongTermRefPicsPresent)
		if sps.LongTermRefPicsPresent {
			w.ue(0) // num_long_term_ref_pics_sps
		}
		w.flag(sps.TemporalMVP)
		w.flag(sps.StrongIntraSmoothing)
		w.flag(sps.VUIPresent)
		if sps.VUIPresent {
			writeHEVCVUI(w, sps.VUI)
		}
		w.flag(false) // sps_extension_present_flag
	})
}

func writeHEVCVUI(w bitWriter, vui HEVCVUI) {
	w.flag(false) // aspect_ratio_info_present_flag
	w.flag(false) // overscan_info_present_flag
	w.flag(false) // video_signal_type_present_flag
	w.flag(false) // chroma_loc_info_present_flag
	w.flag(false) // neutral_chroma_indication_flag
	w.flag(false) // field_seq_flag
	w.flag(false) // frame_field_info_present_flag
	w.flag(false) // default_display_window_flag
	w.flag(vui.TimingInfoPresent)
	if vui.TimingInfoPresent {
		w.Write(uint(vui.NumUnitsInTick), 32)
		w.Write(uint(vui.TimeScale), 32)
		w.flag(false) // vui_poc_proportional_to_timing_flag
		w.flag(false) // vui_hrd_parameters_present_flag
	}
	w.flag(false) // bitstream_restriction_flag
}

func (b *HEVCBuilder) WritePPS(pps HEVCPPS, buf *[]byte, offset int) (int, error) {
	return writeUnit(buf, offset, hevcNALHeader(hevcNalTypePPS), func(w bitWriter) {
		w.ue(pps.PicParameterSetID)
		w.ue(pps.SeqParameterSetID)
		w.flag(false) // dependent_slice_segments_enabled_flag
		w.flag(false) // output_flag_present_flag
		w.Write(0, 3) // num_extra_slice_header_bits
		w.flag(false) // sign_data_hiding_enabled_flag
		w.flag(pps.CabacInitPresent)
		w.ue(pps.NumRefIdxL0DefaultActiveMinus1)
		w.ue(pps.NumRefIdxL1DefaultActiveMinus1)
		w.se(pps.InitQPMinus26)
		w.flag(pps.ConstrainedIntraPred)
		w.flag(pps.TransformSkipEnabled)
		w.flag(pps.CUQPDeltaEnabled)
		if pps.CUQPDeltaEnabled {
			w.ue(pps.DiffCUQPDeltaDepth)
		}
		w.se(pps.CbQPOffset)
		w.se(pps.CrQPOffset)
		w.flag(false) // pps_slice_chroma_qp_offsets_present_flag
		w.flag(false) // weighted_pred_flag
		w.flag(false) // weighted_bipred_flag
		w.flag(false) // transquant_bypass_enabled_flag
		w.flag(false) // tiles_enabled_flag
		w.flag(false) // entropy_coding_sync_enabled_flag
		w.flag(pps.LoopFilterAcrossSlicesEnabled)
		w.flag(false) // deblocking_filter_control_present_flag
		w.flag(false) // pps_scaling_list_data_present_flag
		w.flag(pps.ListsModificationPresent)
		w.ue(0)       // log2_parallel_merge_level_minus2
		w.flag(false) // slice_segment_header_extension_present_flag
		w.flag(false) // pps_extension_present_flag
	})
}

func hevcPicType(t hw.FrameType) uint {
	switch t {
	case hw.FrameTypeIDR, hw.FrameTypeI:
		return 0
	case hw.FrameTypeP:
		return 1
	}
	return 2
}

func (b *HEVCBuilder) WriteAUD(frameType hw.FrameType, buf *[]byte, offset int) (int, error) {
	return writeUnit(buf, offset, hevcNALHeader(hevcNalTypeAUD), func(w bitWriter) {
		w.Write(hevcPicType(frameType), 3)
	})
}

func (b *HEVCBuilder) Emit(
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

	vps := b.BuildVPS(req.Params)
	vpsNeeded := req.Force || b.activeVPS == nil || !cmp.Equal(*b.activeVPS, vps)
	if vpsNeeded {
		logger.Debugf(ctx, "emitting a new VPS: %s", spew.Sdump(vps))
		if err := write(UnitTypeVPS, func(buf *[]byte, offset int) (int, error) {
			return b.WriteVPS(vps, buf, offset)
		}); err != nil {
			return EmitResult{}, err
		}
		b.activeVPS = &vps
	}

	sps := b.BuildSPS(req.Params)
	spsNeeded := vpsNeeded || b.activeSPS == nil || !cmp.Equal(*b.activeSPS, sps)
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
		!HEVCPPSEqual(*b.activePPS, pps, req.Params.CodecConfig.HEVC.PerSliceRefCountOverride)
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
