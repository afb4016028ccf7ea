// Package media binds the signaling core to a pion WebRTC peer connection.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/mossy-p/blink-signaling/config"
	"github.com/mossy-p/blink-signaling/internal/logging"
	"github.com/mossy-p/blink-signaling/internal/models"
	"github.com/mossy-p/blink-signaling/internal/signaling"
)

// ChannelLabel is the label of the data channel opened next to the media.
const ChannelLabel = "blink"

var errEngineClosed = errors.New("media engine closed")

// Options configures an Engine.
type Options struct {
	ICEServers []config.ICEServer
	Logger     *pterm.Logger
}

// Engine is a signaling.MediaEngine backed by a pion PeerConnection. It
// receives audio and video and carries a small text channel; capturing and
// rendering are left to whoever consumes the tracks.
type Engine struct {
	api    *webrtc.API
	config webrtc.Configuration
	log    *pterm.Logger

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	channel     *webrtc.DataChannel
	closed      bool
	onCandidate func(models.Candidate)
	onState     func(signaling.ConnectionState)
	onMessage   func([]byte)
	onTrack     func(*webrtc.TrackRemote)
}

var (
	_ signaling.MediaEngine = (*Engine)(nil)
	_ signaling.EventSource = (*Engine)(nil)
)

// New creates an engine with a fresh peer connection.
func New(opts Options) (*Engine, error) {
	log := logging.OrDefault(opts.Logger)

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	se := webrtc.SettingEngine{LoggerFactory: loggerFactory{log: log}}

	e := &Engine{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		),
		config: webrtc.Configuration{ICEServers: iceServers(opts.ICEServers)},
		log:    log,
	}

	if _, err := e.resetLocked(); err != nil {
		return nil, err
	}
	return e, nil
}

func iceServers(servers []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		out = append(out, server)
	}
	return out
}

// resetLocked replaces the peer connection and returns the previous one for
// the caller to close after unlocking. Events from it are ignored from then on.
func (e *Engine) resetLocked() (*webrtc.PeerConnection, error) {
	pc, err := e.api.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		_, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		e.mu.Lock()
		fn, live := e.onCandidate, e.liveLocked(pc)
		e.mu.Unlock()
		if live && fn != nil {
			fn(fromICE(c.ToJSON()))
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.log.Debug("peer connection state", e.log.Args("state", s.String()))
		state, ok := mapState(s)
		if !ok {
			return
		}
		e.mu.Lock()
		fn, live := e.onState, e.liveLocked(pc)
		e.mu.Unlock()
		if live && fn != nil {
			fn(state)
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ChannelLabel {
			return
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.liveLocked(pc) {
			e.channel = dc
			e.watchChannelLocked(dc)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.log.Info("remote track", e.log.Args("kind", track.Kind().String(), "codec", track.Codec().MimeType))
		e.mu.Lock()
		fn, live := e.onTrack, e.liveLocked(pc)
		e.mu.Unlock()
		if live && fn != nil {
			fn(track)
		}
	})

	old := e.pc
	e.pc, e.channel = pc, nil
	return old, nil
}

func (e *Engine) liveLocked(pc *webrtc.PeerConnection) bool {
	return !e.closed && e.pc == pc
}

func (e *Engine) watchChannelLocked(dc *webrtc.DataChannel) {
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		e.mu.Lock()
		fn := e.onMessage
		e.mu.Unlock()
		if fn != nil {
			fn(msg.Data)
		}
	})
}

func (e *Engine) current() (*webrtc.PeerConnection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errEngineClosed
	}
	return e.pc, nil
}

// CreateOffer implements signaling.MediaEngine.
func (e *Engine) CreateOffer(ctx context.Context) (string, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", errEngineClosed
	}
	pc := e.pc
	if e.channel == nil {
		dc, err := pc.CreateDataChannel(ChannelLabel, nil)
		if err != nil {
			e.mu.Unlock()
			return "", fmt.Errorf("create data channel: %w", err)
		}
		e.channel = dc
		e.watchChannelLocked(dc)
	}
	e.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, nil
}

// CreateAnswer implements signaling.MediaEngine.
func (e *Engine) CreateAnswer(ctx context.Context) (string, error) {
	pc, err := e.current()
	if err != nil {
		return "", err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

// SetRemoteDescription implements signaling.MediaEngine. A participant that
// prepared an offer and then ended up answering someone else's starts over
// on a clean connection.
func (e *Engine) SetRemoteDescription(ctx context.Context, d signaling.Description) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errEngineClosed
	}
	var replaced *webrtc.PeerConnection
	if d.Type == signaling.DescriptionOffer && e.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		old, err := e.resetLocked()
		if err != nil {
			e.mu.Unlock()
			return err
		}
		replaced = old
	}
	pc := e.pc
	e.mu.Unlock()

	if replaced != nil {
		e.log.Debug("discarding unused local offer")
		if err := replaced.Close(); err != nil {
			e.log.Debug("closing replaced peer connection", e.log.Args("error", err))
		}
	}

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: d.SDP}
	if d.Type == signaling.DescriptionOffer {
		desc.Type = webrtc.SDPTypeOffer
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", d.Type, err)
	}
	return nil
}

// AddRemoteCandidate implements signaling.MediaEngine.
func (e *Engine) AddRemoteCandidate(ctx context.Context, c models.Candidate) error {
	pc, err := e.current()
	if err != nil {
		return err
	}
	return pc.AddICECandidate(toICE(c))
}

// OnLocalCandidate implements signaling.EventSource.
func (e *Engine) OnLocalCandidate(fn func(models.Candidate)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCandidate = fn
}

// OnConnectionStateChange implements signaling.EventSource.
func (e *Engine) OnConnectionStateChange(fn func(signaling.ConnectionState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onState = fn
}

// OnMessage registers the receiver of data channel messages.
func (e *Engine) OnMessage(fn func([]byte)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onMessage = fn
}

// OnTrack registers the consumer of remote media tracks.
func (e *Engine) OnTrack(fn func(*webrtc.TrackRemote)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTrack = fn
}

// Send writes a text message to the peer once the data channel is open.
func (e *Engine) Send(text string) error {
	e.mu.Lock()
	dc := e.channel
	e.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errors.New("data channel not open")
	}
	return dc.SendText(text)
}

// Close releases the peer connection. Events fired while closing are
// swallowed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	pc := e.pc
	e.mu.Unlock()
	return pc.Close()
}

func mapState(s webrtc.PeerConnectionState) (signaling.ConnectionState, bool) {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return signaling.ConnectionChecking, true
	case webrtc.PeerConnectionStateConnected:
		return signaling.ConnectionConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return signaling.ConnectionDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return signaling.ConnectionFailed, true
	case webrtc.PeerConnectionStateClosed:
		return signaling.ConnectionClosed, true
	}
	return 0, false
}

func fromICE(c webrtc.ICECandidateInit) models.Candidate {
	out := models.Candidate{Candidate: c.Candidate}
	if c.SDPMid != nil {
		out.SDPMid = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		out.SDPMLineIndex = int(*c.SDPMLineIndex)
	}
	return out
}

func toICE(c models.Candidate) webrtc.ICECandidateInit {
	mid := c.SDPMid
	index := uint16(c.SDPMLineIndex)
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	}
}
