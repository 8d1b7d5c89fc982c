package stream

import (
	"fmt"
	"image"
	"sync"

	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// Codec names accepted by NewVideoEncoder.
const (
	CodecVP8 = "vp8"
	CodecVP9 = "vp9"
)

// Keyframe every 2 s at the nominal frame rate.
const keyFrameInterval = 2 * targetFPS

// MimeTypeFor maps a codec name to the WebRTC MIME type used on the track.
func MimeTypeFor(name string) string {
	if name == CodecVP9 {
		return webrtc.MimeTypeVP9
	}
	return webrtc.MimeTypeVP8
}

// VideoEncoder turns RGB frames into VPx bitstream chunks. The underlying
// codec is built lazily on the first frame and rebuilt whenever the frame
// dimensions change (quality switches resize the stream mid-flight).
//
// It doubles as the codec's frame source: the builder pulls frames through
// Read, which hands back whatever image Encode staged.
type VideoEncoder struct {
	codecName string
	bitrate   int

	mu            sync.Mutex
	enc           codec.ReadCloser
	img           image.Image
	width, height int
}

// NewVideoEncoder prepares an encoder for the named codec. Unknown names
// fall back to VP8. No codec resources are allocated until the first Encode.
func NewVideoEncoder(codecName string, bitrate int) *VideoEncoder {
	if codecName != CodecVP9 {
		codecName = CodecVP8
	}
	return &VideoEncoder{codecName: codecName, bitrate: bitrate}
}

// Read returns the staged image for the codec to consume.
func (e *VideoEncoder) Read() (image.Image, func(), error) {
	return e.img, nil, nil
}

// Encode compresses one frame. The returned slice is owned by the caller.
func (e *VideoEncoder) Encode(img image.Image) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b := img.Bounds()
	if e.enc == nil || b.Dx() != e.width || b.Dy() != e.height {
		if err := e.rebuild(b.Dx(), b.Dy()); err != nil {
			return nil, err
		}
	}

	e.img = img
	data, release, err := e.enc.Read()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	copy(out, data)
	if release != nil {
		release()
	}
	return out, nil
}

// ForceKeyframe asks the codec to emit a keyframe on the next Encode.
// No-op when the codec does not support it or is not built yet.
func (e *VideoEncoder) ForceKeyframe() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enc == nil {
		return
	}
	if kfc, ok := e.enc.Controller().(codec.KeyFrameController); ok {
		_ = kfc.ForceKeyFrame()
	}
}

// Close releases the codec. The encoder must not be used afterwards.
func (e *VideoEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enc == nil {
		return nil
	}
	err := e.enc.Close()
	e.enc = nil
	return err
}

func (e *VideoEncoder) rebuild(w, h int) error {
	if e.enc != nil {
		_ = e.enc.Close()
		e.enc = nil
	}

	var builder codec.VideoEncoderBuilder
	switch e.codecName {
	case CodecVP9:
		params, err := vpx.NewVP9Params()
		if err != nil {
			return fmt.Errorf("vp9 params: %w", err)
		}
		params.BitRate = e.bitrate
		params.KeyFrameInterval = keyFrameInterval
		builder = &params
	default:
		params, err := vpx.NewVP8Params()
		if err != nil {
			return fmt.Errorf("vp8 params: %w", err)
		}
		params.BitRate = e.bitrate
		params.KeyFrameInterval = keyFrameInterval
		builder = &params
	}

	enc, err := builder.BuildVideoEncoder(e, prop.Media{
		Video: prop.Video{
			Width:  w,
			Height: h,
		},
	})
	if err != nil {
		return fmt.Errorf("build %s encoder: %w", e.codecName, err)
	}
	e.enc = enc
	e.width, e.height = w, h
	return nil
}
