package call

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"consultlink-backend/internal/domain"
	"consultlink-backend/pkg/logger"
)

// DefaultICEServers are the public STUN servers used when none are configured
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// PeerState is the coarse connection state the negotiator reacts to
type PeerState string

const (
	PeerStateConnecting   PeerState = "connecting"
	PeerStateConnected    PeerState = "connected"
	PeerStateDisconnected PeerState = "disconnected"
	PeerStateFailed       PeerState = "failed"
	PeerStateClosed       PeerState = "closed"
)

// RemoteTrack describes an inbound track
type RemoteTrack struct {
	ID   string
	Kind TrackKind
}

// PeerHandlers receive connection callbacks. They may be invoked from any
// goroutine.
type PeerHandlers struct {
	OnICECandidate func(domain.ICECandidate)
	OnTrack        func(RemoteTrack)
	OnStateChange  func(PeerState)
}

// PeerConnection is one negotiation with the remote participant
type PeerConnection interface {
	// CreateOffer creates an offer and applies it as the local description
	CreateOffer() (domain.SessionDescription, error)
	// CreateAnswer creates an answer and applies it as the local description
	CreateAnswer() (domain.SessionDescription, error)
	SetRemoteDescription(desc domain.SessionDescription) error
	AddICECandidate(c domain.ICECandidate) error
	Close() error
}

// PeerFactory builds peer connections carrying the given local tracks
type PeerFactory interface {
	NewPeerConnection(tracks []LocalTrack, handlers PeerHandlers) (PeerConnection, error)
}

// MediaEngineConfigurer registers codecs on a Pion media engine
type MediaEngineConfigurer interface {
	ConfigureMediaEngine(me *webrtc.MediaEngine) error
}

// PionFactory builds peer connections on a shared Pion API
type PionFactory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
}

// NewPionFactory configures codecs, default interceptors and relaxed ICE
// timeouts. codecs may be nil for Pion's default codec set.
func NewPionFactory(iceURLs []string, codecs MediaEngineConfigurer) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if codecs != nil {
		if err := codecs.ConfigureMediaEngine(mediaEngine); err != nil {
			return nil, err
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// a short NAT hiccup should not end the consultation
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	if len(iceURLs) == 0 {
		iceURLs = DefaultICEServers
	}

	return &PionFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		),
		iceServers: []webrtc.ICEServer{{URLs: iceURLs}},
	}, nil
}

// pionTrack is implemented by tracks backed by a Pion local track
type pionTrack interface {
	TrackLocal() webrtc.TrackLocal
	Watch(fn func(enabled bool)) func()
}

// NewPeerConnection implements PeerFactory
func (f *PionFactory) NewPeerConnection(tracks []LocalTrack, handlers PeerHandlers) (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, err
	}

	p := &pionPeer{pc: pc}

	sending := map[TrackKind]bool{}
	for _, t := range tracks {
		pt, ok := t.(pionTrack)
		if !ok || pt.TrackLocal() == nil {
			continue
		}
		local := pt.TrackLocal()
		sender, err := pc.AddTrack(local)
		if err != nil {
			logger.Warn("AddTrack failed", zap.String("kind", string(t.Kind())), zap.Error(err))
			continue
		}
		sending[t.Kind()] = true

		kind := zap.String("kind", string(t.Kind()))
		if !t.Enabled() {
			if err := sender.ReplaceTrack(nil); err != nil {
				logger.Warn("Muting disabled track failed", kind, zap.Error(err))
			}
		}
		p.unwatch = append(p.unwatch, pt.Watch(func(enabled bool) {
			next := local
			if !enabled {
				next = nil
			}
			if err := sender.ReplaceTrack(next); err != nil {
				logger.Warn("ReplaceTrack failed", kind, zap.Bool("enabled", enabled), zap.Error(err))
			}
		}))
	}

	// recvonly m-lines keep the SDP valid without local media
	for kind, codec := range map[TrackKind]webrtc.RTPCodecType{KindVideo: webrtc.RTPCodecTypeVideo, KindAudio: webrtc.RTPCodecTypeAudio} {
		if sending[kind] {
			continue
		}
		if _, err := pc.AddTransceiverFromKind(codec, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			logger.Warn("AddTransceiver failed", zap.String("kind", string(kind)), zap.Error(err))
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || handlers.OnICECandidate == nil {
			return
		}
		cand := c.ToJSON()
		handlers.OnICECandidate(domain.ICECandidate{
			Candidate:        cand.Candidate,
			SDPMid:           cand.SDPMid,
			SDPMLineIndex:    cand.SDPMLineIndex,
			UsernameFragment: cand.UsernameFragment,
		})
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if handlers.OnTrack == nil {
			return
		}
		kind := KindAudio
		if remote.Kind() == webrtc.RTPCodecTypeVideo {
			kind = KindVideo
		}
		handlers.OnTrack(RemoteTrack{ID: remote.ID(), Kind: kind})
		go drain(remote)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if handlers.OnStateChange == nil {
			return
		}
		switch state {
		case webrtc.PeerConnectionStateConnected:
			handlers.OnStateChange(PeerStateConnected)
		case webrtc.PeerConnectionStateDisconnected:
			handlers.OnStateChange(PeerStateDisconnected)
		case webrtc.PeerConnectionStateFailed:
			handlers.OnStateChange(PeerStateFailed)
		case webrtc.PeerConnectionStateClosed:
			handlers.OnStateChange(PeerStateClosed)
		default:
			handlers.OnStateChange(PeerStateConnecting)
		}
	})

	return p, nil
}

// drain reads RTP so the interceptors keep producing RTCP feedback
func drain(remote *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := remote.Read(buf); err != nil {
			return
		}
	}
}

type pionPeer struct {
	pc      *webrtc.PeerConnection
	unwatch []func()
}

func (p *pionPeer) CreateOffer() (domain.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, err
	}
	return domain.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (p *pionPeer) CreateAnswer() (domain.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, err
	}
	return domain.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (p *pionPeer) SetRemoteDescription(desc domain.SessionDescription) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

func (p *pionPeer) AddICECandidate(c domain.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *pionPeer) Close() error {
	for _, fn := range p.unwatch {
		fn()
	}
	p.unwatch = nil
	return p.pc.Close()
}
