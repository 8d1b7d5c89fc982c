package stream

import (
	"bytes"
	"image"
	"image/jpeg"
	"testing"
	"time"

	"github.com/arenacast/relay/internal/framestore"
)

func makeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h)), nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func testWidths() QualityWidths {
	return QualityWidths{Low: 160, Medium: 320, High: 480}
}

func newTestProducer(frames *framestore.Store, cfg ProducerConfig, onTimeout func()) *Producer {
	return NewProducer("1234", frames, nil, nil, cfg, onTimeout)
}

func TestNextFrameFresh(t *testing.T) {
	frames := framestore.New()
	p := newTestProducer(frames, ProducerConfig{
		MaxFrameAge:  time.Second,
		FrameTimeout: time.Second,
		Widths:       testWidths(),
	}, nil)

	if err := frames.Save("1234", makeJPEG(t, 320, 180), framestore.QualityMedium); err != nil {
		t.Fatal(err)
	}

	frame, kind := p.nextFrame()
	if kind != kindFresh {
		t.Fatalf("kind = %q, want fresh", kind)
	}
	// 320 wide at the medium tier: within hysteresis, no resize.
	if got := frame.Bounds().Dx(); got != 320 {
		t.Fatalf("width = %d, want 320", got)
	}
	if p.Metrics().Snapshot().FramesFresh != 1 {
		t.Fatal("fresh counter not recorded")
	}
}

func TestNextFrameResizesToTier(t *testing.T) {
	frames := framestore.New()
	p := newTestProducer(frames, ProducerConfig{
		MaxFrameAge:  time.Second,
		FrameTimeout: time.Second,
		Widths:       testWidths(),
	}, nil)

	frames.Save("1234", makeJPEG(t, 480, 240), framestore.QualityLow)

	frame, _ := p.nextFrame()
	b := frame.Bounds()
	if b.Dx() != 160 {
		t.Fatalf("width = %d, want 160", b.Dx())
	}
	// Aspect ratio preserved: 480x240 scales to 160x80.
	if b.Dy() != 80 {
		t.Fatalf("height = %d, want 80", b.Dy())
	}
}

func TestNextFrameQualitySwitchTakesOneTick(t *testing.T) {
	frames := framestore.New()
	p := newTestProducer(frames, ProducerConfig{
		MaxFrameAge:  time.Second,
		FrameTimeout: time.Second,
		Widths:       testWidths(),
	}, nil)

	frames.Save("1234", makeJPEG(t, 480, 240), framestore.QualityLow)
	if frame, _ := p.nextFrame(); frame.Bounds().Dx() != 160 {
		t.Fatalf("low tier width = %d, want 160", frame.Bounds().Dx())
	}

	frames.Save("1234", makeJPEG(t, 480, 240), framestore.QualityHigh)
	if frame, _ := p.nextFrame(); frame.Bounds().Dx() != 480 {
		t.Fatalf("high tier width = %d, want 480", frame.Bounds().Dx())
	}
}

func TestNextFrameStaleDecaysToBlank(t *testing.T) {
	frames := framestore.New()
	p := newTestProducer(frames, ProducerConfig{
		MaxFrameAge:  10 * time.Millisecond,
		FrameTimeout: time.Minute,
		Widths:       testWidths(),
	}, nil)

	frames.Save("1234", makeJPEG(t, 320, 180), framestore.QualityMedium)
	time.Sleep(30 * time.Millisecond)

	// The stale frame is replayed maxStaleFrames times, then goes blank.
	for i := 0; i < maxStaleFrames; i++ {
		if _, kind := p.nextFrame(); kind != kindStale {
			t.Fatalf("tick %d kind = %q, want stale", i, kind)
		}
	}
	if _, kind := p.nextFrame(); kind != kindBlank {
		t.Fatalf("kind after %d stale ticks = %q, want blank", maxStaleFrames, kind)
	}
}

func TestNextFrameFreshResetsStaleCount(t *testing.T) {
	frames := framestore.New()
	p := newTestProducer(frames, ProducerConfig{
		MaxFrameAge:  20 * time.Millisecond,
		FrameTimeout: time.Minute,
		Widths:       testWidths(),
	}, nil)

	frames.Save("1234", makeJPEG(t, 320, 180), framestore.QualityMedium)
	time.Sleep(40 * time.Millisecond)
	if _, kind := p.nextFrame(); kind != kindStale {
		t.Fatal("expected stale before refresh")
	}

	frames.Save("1234", makeJPEG(t, 320, 180), framestore.QualityMedium)
	if _, kind := p.nextFrame(); kind != kindFresh {
		t.Fatal("expected fresh after new upload")
	}
	if p.staleCount != 0 {
		t.Fatalf("staleCount = %d after fresh frame, want 0", p.staleCount)
	}
}

func TestNextFrameAbsentFiresTimeoutOnce(t *testing.T) {
	frames := framestore.New()
	fired := make(chan struct{}, 2)
	p := newTestProducer(frames, ProducerConfig{
		MaxFrameAge:  time.Second,
		FrameTimeout: 30 * time.Millisecond,
		Widths:       testWidths(),
	}, func() { fired <- struct{}{} })

	if _, kind := p.nextFrame(); kind != kindBlank {
		t.Fatalf("kind = %q, want blank", kind)
	}
	select {
	case <-fired:
		t.Fatal("timeout fired before FrameTimeout elapsed")
	default:
	}

	time.Sleep(50 * time.Millisecond)
	p.nextFrame()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}

	// Further ticks must not fire again.
	p.nextFrame()
	time.Sleep(20 * time.Millisecond)
	select {
	case <-fired:
		t.Fatal("timeout fired twice")
	default:
	}
}

func TestNextFrameDecodeFailureFallsBackToBlank(t *testing.T) {
	frames := framestore.New()
	p := newTestProducer(frames, ProducerConfig{
		MaxFrameAge:  time.Second,
		FrameTimeout: time.Minute,
		Widths:       testWidths(),
	}, nil)

	// Valid SOI, garbage body: passes the store, fails the decoder.
	frames.Save("1234", []byte{0xFF, 0xD8, 0x00, 0x01, 0x02}, framestore.QualityMedium)

	_, kind := p.nextFrame()
	if kind != kindBlank {
		t.Fatalf("kind = %q, want blank", kind)
	}
	if p.Metrics().Snapshot().DecodeErrors != 1 {
		t.Fatal("decode error not counted")
	}
}

func TestBlankFrameTracksLastKnownSize(t *testing.T) {
	frames := framestore.New()
	p := newTestProducer(frames, ProducerConfig{
		MaxFrameAge:  time.Second,
		FrameTimeout: time.Minute,
		Widths:       testWidths(),
	}, nil)

	// Fresh producer: fixed default size.
	frame, _ := p.nextFrame()
	if frame.Bounds().Dx() != defaultBlankWidth || frame.Bounds().Dy() != defaultBlankHeight {
		t.Fatalf("default blank = %v", frame.Bounds())
	}

	frames.Save("1234", makeJPEG(t, 160, 80), framestore.QualityLow)
	p.nextFrame()
	frames.Delete("1234")

	frame, kind := p.nextFrame()
	if kind != kindBlank {
		t.Fatalf("kind = %q, want blank", kind)
	}
	if frame.Bounds().Dx() != 160 || frame.Bounds().Dy() != 80 {
		t.Fatalf("blank size = %v, want 160x80", frame.Bounds())
	}
}

func TestQualityWidthsFor(t *testing.T) {
	w := testWidths()
	cases := []struct {
		q    framestore.Quality
		want int
	}{
		{framestore.QualityLow, 160},
		{framestore.QualityMedium, 320},
		{framestore.QualityHigh, 480},
		{framestore.Quality("bogus"), 320},
	}
	for _, tc := range cases {
		if got := w.For(tc.q); got != tc.want {
			t.Errorf("For(%q) = %d, want %d", tc.q, got, tc.want)
		}
	}
}

func TestMimeTypeFor(t *testing.T) {
	if MimeTypeFor(CodecVP8) != "video/VP8" {
		t.Fatalf("vp8 mime = %q", MimeTypeFor(CodecVP8))
	}
	if MimeTypeFor(CodecVP9) != "video/VP9" {
		t.Fatalf("vp9 mime = %q", MimeTypeFor(CodecVP9))
	}
	if MimeTypeFor("h264") != "video/VP8" {
		t.Fatal("unknown codec should fall back to VP8")
	}
}
