package emulated

import (
	"fmt"

	"github.com/xaionaro-go/gpuvideo/hw"
)

type VideoEncoder struct {
	resource
	desc          hw.EncoderDesc
	framesEncoded uint64
}

var _ hw.VideoEncoder = (*VideoEncoder)(nil)

func (e *VideoEncoder) EncoderDesc() hw.EncoderDesc {
	return e.desc
}

type VideoEncoderHeap struct {
	resource
	desc hw.EncoderHeapDesc
}

var _ hw.VideoEncoderHeap = (*VideoEncoderHeap)(nil)

func (h *VideoEncoderHeap) EncoderHeapDesc() hw.EncoderHeapDesc {
	return h.desc
}

type VideoDecoder struct {
	resource
	desc hw.DecoderDesc
}

var _ hw.VideoDecoder = (*VideoDecoder)(nil)

func (d *VideoDecoder) DecoderDesc() hw.DecoderDesc {
	return d.desc
}

type VideoDecoderHeap struct {
	resource
	desc hw.DecoderHeapDesc
}

var _ hw.VideoDecoderHeap = (*VideoDecoderHeap)(nil)

func (h *VideoDecoderHeap) DecoderHeapDesc() hw.DecoderHeapDesc {
	return h.desc
}

func (d *Device) CreateVideoEncoder(desc hw.EncoderDesc) (hw.VideoEncoder, error) {
	if err := d.checkCreation(ObjectKindVideoEncoder); err != nil {
		return nil, err
	}
	if _, ok := d.Capabilities.Encode[desc.Codec]; !ok {
		return nil, fmt.Errorf("codec %s is not supported", desc.Codec)
	}
	if desc.Profile.Codec() != desc.Codec {
		return nil, fmt.Errorf("profile %s does not belong to codec %s", desc.Profile, desc.Codec)
	}
	return &VideoEncoder{
		resource: newResource(d, fmt.Sprintf("encoder-%s", desc.Codec)),
		desc:     desc,
	}, nil
}

func (d *Device) CreateVideoEncoderHeap(desc hw.EncoderHeapDesc) (hw.VideoEncoderHeap, error) {
	if err := d.checkCreation(ObjectKindVideoEncoderHeap); err != nil {
		return nil, err
	}
	if desc.Resolution.IsZero() {
		return nil, fmt.Errorf("zero resolution")
	}
	return &VideoEncoderHeap{
		resource: newResource(d, fmt.Sprintf("encoder-heap-%s", desc.Codec)),
		desc:     desc,
	}, nil
}

func (d *Device) CreateVideoDecoder(desc hw.DecoderDesc) (hw.VideoDecoder, error) {
	if err := d.checkCreation(ObjectKindVideoDecoder); err != nil {
		return nil, err
	}
	if _, ok := d.Capabilities.Decode[desc.Codec]; !ok {
		return nil, fmt.Errorf("codec %s is not supported", desc.Codec)
	}
	return &VideoDecoder{
		resource: newResource(d, fmt.Sprintf("decoder-%s", desc.Codec)),
		desc:     desc,
	}, nil
}

func (d *Device) CreateVideoDecoderHeap(desc hw.DecoderHeapDesc) (hw.VideoDecoderHeap, error) {
	if err := d.checkCreation(ObjectKindVideoDecoderHeap); err != nil {
		return nil, err
	}
	if desc.Resolution.IsZero() || desc.MaxDecodePictureBufferCount == 0 {
		return nil, fmt.Errorf("invalid decoder heap description %#+v", desc)
	}
	return &VideoDecoderHeap{
		resource: newResource(d, fmt.Sprintf("decoder-heap-%s", desc.Codec)),
		desc:     desc,
	}, nil
}
