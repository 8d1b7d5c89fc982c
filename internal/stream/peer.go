package stream

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/arenacast/relay/internal/framestore"
	"github.com/arenacast/relay/internal/logging"
)

// Config carries the stream-layer settings shared by all viewer peers.
type Config struct {
	Codec       string
	MaxBitrate  int
	StunServers []string
	IceTimeout  time.Duration

	MaxFrameAge  time.Duration
	FrameTimeout time.Duration
	Widths       QualityWidths
}

// PeerHooks are callbacks a ViewerPeer fires on lifecycle transitions.
type PeerHooks struct {
	// OnConnected fires once when the connection reaches connected.
	OnConnected func()
	// OnClosed fires once after the peer has fully shut down.
	OnClosed func(id string)
}

// ViewerPeer is one WebRTC viewer of a session: a peer connection carrying a
// single sendonly video track fed by a Producer.
type ViewerPeer struct {
	id    string
	code  string
	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticSample

	encoder  *VideoEncoder
	producer *Producer
	hooks    PeerHooks

	iceTimeout time.Duration

	done      chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewViewerPeer builds the peer connection, track, encoder and producer for
// one viewer of code. The caller negotiates via Negotiate and must Close the
// peer when done; the peer also closes itself on connection failure or
// stream timeout.
func NewViewerPeer(cfg Config, frames *framestore.Store, code string, hooks PeerHooks) (*ViewerPeer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	pcConfig := webrtc.Configuration{
		BundlePolicy:  webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy: webrtc.RTCPMuxPolicyRequire,
	}
	if len(cfg.StunServers) > 0 {
		pcConfig.ICEServers = []webrtc.ICEServer{{URLs: cfg.StunServers}}
	}
	pc, err := api.NewPeerConnection(pcConfig)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:  MimeTypeFor(cfg.Codec),
			ClockRate: 90000,
		},
		"video",
		"relay",
	)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create video track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add video track: %w", err)
	}

	p := &ViewerPeer{
		id:         uuid.NewString(),
		code:       code,
		pc:         pc,
		track:      track,
		encoder:    NewVideoEncoder(cfg.Codec, cfg.MaxBitrate),
		hooks:      hooks,
		iceTimeout: cfg.IceTimeout,
		done:       make(chan struct{}),
	}
	p.producer = NewProducer(code, frames, track, p.encoder, ProducerConfig{
		MaxFrameAge:  cfg.MaxFrameAge,
		FrameTimeout: cfg.FrameTimeout,
		Widths:       cfg.Widths,
	}, func() { _ = p.Close() })

	// Drain RTCP so we don't block on backpressure; PLI and FIR force a
	// keyframe, rate-limited so a lossy viewer can't spam the encoder.
	go func() {
		rtcpBuf := make([]byte, 1500)
		var lastKF time.Time
		for {
			n, _, readErr := sender.Read(rtcpBuf)
			if readErr != nil {
				return
			}
			pkts, perr := rtcp.Unmarshal(rtcpBuf[:n])
			if perr != nil {
				continue
			}
			for _, pkt := range pkts {
				switch pkt.(type) {
				case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
					if time.Since(lastKF) < 500*time.Millisecond {
						continue
					}
					lastKF = time.Now()
					p.encoder.ForceKeyframe()
				}
			}
		}
	}()

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info("viewer connection state",
			logging.KeySession, code,
			logging.KeyPeer, p.id,
			"state", state.String(),
		)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			p.start()
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected:
			go func() { _ = p.Close() }()
		}
	})

	return p, nil
}

// ID returns the peer's unique identifier.
func (p *ViewerPeer) ID() string { return p.id }

// Code returns the session code the peer is viewing.
func (p *ViewerPeer) Code() string { return p.code }

// Negotiate applies the remote offer and returns the local answer. ICE
// gathering is bounded by IceTimeout; on timeout the answer carries whatever
// candidates were gathered so far.
func (p *ViewerPeer) Negotiate(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	timer := time.NewTimer(p.iceTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		log.Warn("ICE gathering timed out, answering with partial candidates",
			logging.KeySession, p.code,
			logging.KeyPeer, p.id,
		)
	case <-p.done:
		return webrtc.SessionDescription{}, errors.New("peer closed during ICE gathering")
	}

	ld := p.pc.LocalDescription()
	if ld == nil {
		return webrtc.SessionDescription{}, errors.New("local description unavailable")
	}
	return *ld, nil
}

// State returns the current connection state.
func (p *ViewerPeer) State() string {
	return p.pc.ConnectionState().String()
}

// ViewerStats is the per-peer view for the stream-stats endpoint.
type ViewerStats struct {
	ID       string           `json:"id"`
	State    string           `json:"state"`
	Producer ProducerSnapshot `json:"producer"`
}

// Stats snapshots the peer and its producer.
func (p *ViewerPeer) Stats() ViewerStats {
	return ViewerStats{
		ID:       p.id,
		State:    p.State(),
		Producer: p.producer.Metrics().Snapshot(),
	}
}

// start begins producing frames. Runs once, on the first transition to
// connected, so the first keyframe is not wasted on a half-open peer.
func (p *ViewerPeer) start() {
	p.startOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		p.encoder.ForceKeyframe()
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.producer.Run()
		}()
		if p.hooks.OnConnected != nil {
			p.hooks.OnConnected()
		}
		log.Info("viewer streaming started",
			logging.KeySession, p.code,
			logging.KeyPeer, p.id,
		)
	})
}

// Close tears the peer down: stops the producer, closes the connection and
// the encoder, then fires OnClosed. Safe to call more than once.
func (p *ViewerPeer) Close() error {
	p.stopOnce.Do(func() {
		close(p.done)
		p.producer.Stop()

		// Close the connection early to unblock the RTCP drain.
		_ = p.pc.Close()
		p.wg.Wait()
		_ = p.encoder.Close()

		snap := p.producer.Metrics().Snapshot()
		log.Info("viewer closed",
			logging.KeySession, p.code,
			logging.KeyPeer, p.id,
			"sent", snap.FramesSent,
			"fresh", snap.FramesFresh,
			"stale", snap.FramesStale,
			"blank", snap.FramesBlank,
			"bandwidthKBps", fmt.Sprintf("%.1f", snap.BandwidthKBps),
		)
		if p.hooks.OnClosed != nil {
			p.hooks.OnClosed(p.id)
		}
	})
	return nil
}
