// Package webrtc contains the WHEP output of the player.
package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/dtls/v3/pkg/crypto/elliptic"
	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/philipch07/EggsTV/internal/audio"
	"github.com/philipch07/EggsTV/internal/logger"
	"github.com/philipch07/EggsTV/internal/video"
)

// ErrSessionNotFound is returned when a WHEP session does not exist.
var ErrSessionNotFound = errors.New("session not found")

var errNoPublicIP = errors.New("public IP lookup returned no address")

// Server publishes the output of the player to WHEP listeners. Audio and
// video are shared tracks written once for all listeners.
type Server struct {
	Log logger.Writer

	api         *webrtc.API
	audioTrack  *webrtc.TrackLocalStaticSample
	videoTrack  *webrtc.TrackLocalStaticSample
	audioWriter *sampleWriter
	videoWriter *sampleWriter
	firstSeen   time.Time

	sessionsLock sync.RWMutex
	sessions     map[string]*webrtc.PeerConnection
}

// Initialize initializes Server.
func (s *Server) Initialize() error {
	if s.Log == nil {
		s.Log = logger.Nil
	}

	var err error
	s.audioTrack, err = webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		"audio",
		"EggsTV",
	)
	if err != nil {
		return err
	}

	s.videoTrack, err = webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
		"video",
		"EggsTV",
	)
	if err != nil {
		return err
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err = PopulateMediaEngine(mediaEngine); err != nil {
		return err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err = webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return err
	}

	settingEngine, err := createSettingEngine(map[int]*ice.MultiUDPMuxDefault{}, map[string]ice.TCPMux{})
	if err != nil {
		return err
	}

	s.api = webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settingEngine),
	)

	s.audioWriter = newSampleWriter(s.audioTrack, "audio", s.Log)
	s.videoWriter = newSampleWriter(s.videoTrack, "video", s.Log)
	s.sessions = make(map[string]*webrtc.PeerConnection)
	s.firstSeen = time.Now()

	return nil
}

// Close closes all sessions and stops writing samples.
func (s *Server) Close() {
	s.sessionsLock.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*webrtc.PeerConnection)
	s.sessionsLock.Unlock()

	for _, pc := range sessions {
		if err := pc.Close(); err != nil {
			s.Log.Log(logger.Debug, "closing peer connection: %v", err)
		}
	}

	s.audioWriter.close()
	s.videoWriter.close()
}

// AudioSink returns the sink the audio device writes Opus packets into.
func (s *Server) AudioSink() audio.Sink {
	return s.audioWriter
}

// Presenter returns the output surface of the video loop.
func (s *Server) Presenter() video.Presenter {
	return s.videoWriter
}

// ListenerCount returns the number of connected listeners.
func (s *Server) ListenerCount() int {
	s.sessionsLock.RLock()
	defer s.sessionsLock.RUnlock()
	return len(s.sessions)
}

// Stats is the state of the output exposed on the status endpoint.
type Stats struct {
	FirstSeenEpoch      uint64 `json:"firstSeenEpoch"`
	ListenerCount       int    `json:"listenerCount"`
	DroppedAudioSamples uint64 `json:"droppedAudioSamples"`
	DroppedVideoSamples uint64 `json:"droppedVideoSamples"`
}

// Stats returns the state of the output.
func (s *Server) Stats() Stats {
	return Stats{
		FirstSeenEpoch:      uint64(s.firstSeen.Unix()),
		ListenerCount:       s.ListenerCount(),
		DroppedAudioSamples: s.audioWriter.dropCount(),
		DroppedVideoSamples: s.videoWriter.dropCount(),
	}
}

func getPublicIP() (string, error) {
	req, err := http.Get("http://ip-api.com/json/")
	if err != nil {
		return "", err
	}
	defer req.Body.Close()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return "", err
	}

	ip := struct{ Query string }{}
	if err = json.Unmarshal(body, &ip); err != nil {
		return "", err
	}

	if ip.Query == "" {
		return "", errNoPublicIP
	}

	return ip.Query, nil
}

func createSettingEngine(udpMuxCache map[int]*ice.MultiUDPMuxDefault, tcpMuxCache map[string]ice.TCPMux) (settingEngine webrtc.SettingEngine, err error) {
	var (
		NAT1To1IPs   []string
		networkTypes []webrtc.NetworkType
		udpMuxPort   int
		udpMuxOpts   []ice.UDPMuxFromPortOption
	)

	if os.Getenv("NETWORK_TYPES") != "" {
		for _, networkTypeStr := range strings.Split(os.Getenv("NETWORK_TYPES"), "|") {
			networkType, err := webrtc.NewNetworkType(networkTypeStr)
			if err != nil {
				return settingEngine, err
			}
			networkTypes = append(networkTypes, networkType)
		}
	} else {
		networkTypes = append(networkTypes, webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6)
	}

	if os.Getenv("INCLUDE_PUBLIC_IP_IN_NAT_1_TO_1_IP") != "" {
		ip, err := getPublicIP()
		if err != nil {
			return settingEngine, fmt.Errorf("public IP lookup: %w", err)
		}
		NAT1To1IPs = append(NAT1To1IPs, ip)
	}

	if os.Getenv("NAT_1_TO_1_IP") != "" {
		NAT1To1IPs = append(NAT1To1IPs, strings.Split(os.Getenv("NAT_1_TO_1_IP"), "|")...)
	}

	natICECandidateType := webrtc.ICECandidateTypeHost
	if os.Getenv("NAT_ICE_CANDIDATE_TYPE") == "srflx" {
		natICECandidateType = webrtc.ICECandidateTypeSrflx
	}

	if len(NAT1To1IPs) != 0 {
		mode := webrtc.ICEAddressRewriteReplace
		if natICECandidateType == webrtc.ICECandidateTypeSrflx {
			mode = webrtc.ICEAddressRewriteAppend
		}

		if err = settingEngine.SetICEAddressRewriteRules(webrtc.ICEAddressRewriteRule{
			External:        NAT1To1IPs,
			AsCandidateType: natICECandidateType,
			Mode:            mode,
		}); err != nil {
			return settingEngine, err
		}
	}

	if os.Getenv("INTERFACE_FILTER") != "" {
		interfaceFilter := func(i string) bool {
			return i == os.Getenv("INTERFACE_FILTER")
		}

		settingEngine.SetInterfaceFilter(interfaceFilter)
		udpMuxOpts = append(udpMuxOpts, ice.UDPMuxFromPortWithInterfaceFilter(interfaceFilter))
	}

	if os.Getenv("UDP_MUX_PORT") != "" {
		if udpMuxPort, err = strconv.Atoi(os.Getenv("UDP_MUX_PORT")); err != nil {
			return settingEngine, fmt.Errorf("invalid UDP_MUX_PORT: %w", err)
		}
	}

	if udpMuxPort != 0 {
		udpMux, ok := udpMuxCache[udpMuxPort]
		if !ok {
			if udpMux, err = ice.NewMultiUDPMuxFromPort(udpMuxPort, udpMuxOpts...); err != nil {
				return settingEngine, err
			}
			udpMuxCache[udpMuxPort] = udpMux
		}

		settingEngine.SetICEUDPMux(udpMux)
	}

	if os.Getenv("TCP_MUX_ADDRESS") != "" {
		tcpMux, ok := tcpMuxCache[os.Getenv("TCP_MUX_ADDRESS")]
		if !ok {
			tcpAddr, err := net.ResolveTCPAddr("tcp", os.Getenv("TCP_MUX_ADDRESS"))
			if err != nil {
				return settingEngine, err
			}

			tcpListener, err := net.ListenTCP("tcp", tcpAddr)
			if err != nil {
				return settingEngine, err
			}

			tcpMux = webrtc.NewICETCPMux(nil, tcpListener, 8)
			tcpMuxCache[os.Getenv("TCP_MUX_ADDRESS")] = tcpMux
		}
		settingEngine.SetICETCPMux(tcpMux)

		if os.Getenv("TCP_MUX_FORCE") != "" {
			networkTypes = []webrtc.NetworkType{webrtc.NetworkTypeTCP4, webrtc.NetworkTypeTCP6}
		} else {
			networkTypes = append(networkTypes, webrtc.NetworkTypeTCP4, webrtc.NetworkTypeTCP6)
		}
	}

	settingEngine.SetDTLSEllipticCurves(elliptic.X25519, elliptic.P384, elliptic.P256)
	settingEngine.SetNetworkTypes(networkTypes)
	settingEngine.DisableSRTCPReplayProtection(true)
	settingEngine.DisableSRTPReplayProtection(true)
	settingEngine.SetIncludeLoopbackCandidate(os.Getenv("INCLUDE_LOOPBACK_CANDIDATE") != "")

	return settingEngine, nil
}

// PopulateMediaEngine registers Opus (48kHz, stereo) and VP8.
func PopulateMediaEngine(m *webrtc.MediaEngine) error {
	if err := m.RegisterCodec(
		webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeOpus,
				ClockRate:   48000,
				Channels:    2,
				SDPFmtpLine: "minptime=10;useinbandfec=1;maxaveragebitrate=192000",
			},
			PayloadType: 111,
		},
		webrtc.RTPCodecTypeAudio,
	); err != nil {
		return err
	}

	videoRTCPFeedback := []webrtc.RTCPFeedback{
		{Type: "goog-remb"},
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
	}

	return m.RegisterCodec(
		webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeVP8,
				ClockRate:    90000,
				RTCPFeedback: videoRTCPFeedback,
			},
			PayloadType: 96,
		},
		webrtc.RTPCodecTypeVideo,
	)
}

func newPeerConnection(api *webrtc.API) (*webrtc.PeerConnection, error) {
	cfg := webrtc.Configuration{}

	if stunServers := os.Getenv("STUN_SERVERS"); stunServers != "" {
		for _, stunServer := range strings.Split(stunServers, "|") {
			cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{
				URLs: []string{"stun:" + stunServer},
			})
		}
	}

	return api.NewPeerConnection(cfg)
}

func appendAnswer(in string) string {
	if extraCandidate := os.Getenv("APPEND_CANDIDATE"); extraCandidate != "" {
		index := strings.Index(in, "a=end-of-candidates")
		if index >= 0 {
			in = in[:index] + extraCandidate + in[index:]
		}
	}

	return in
}

func (s *Server) maybePrintOfferAnswer(sdp string, isOffer bool) string {
	if os.Getenv("DEBUG_PRINT_OFFER") != "" && isOffer {
		s.Log.Log(logger.Debug, "offer:\n%s", sdp)
	}

	if os.Getenv("DEBUG_PRINT_ANSWER") != "" && !isOffer {
		s.Log.Log(logger.Debug, "answer:\n%s", sdp)
	}

	return sdp
}
