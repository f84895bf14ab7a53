package webrtc

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/philipch07/EggsTV/internal/logger"
)

var errNoMedia = errors.New("offer contains neither audio nor video")

type offerMedia struct {
	audio bool
	video bool
}

// parseOffer checks that an offer is valid SDP and tells which kinds of
// media it asks for.
func parseOffer(offer string) (offerMedia, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(offer)); err != nil {
		return offerMedia{}, fmt.Errorf("invalid offer: %w", err)
	}

	var m offerMedia
	for _, md := range desc.MediaDescriptions {
		switch md.MediaName.Media {
		case "audio":
			m.audio = true
		case "video":
			m.video = true
		}
	}

	if !m.audio && !m.video {
		return offerMedia{}, errNoMedia
	}
	return m, nil
}

// WHEP answers the offer of a new listener. It returns the answer and the
// session id.
func (s *Server) WHEP(offer string) (string, string, error) {
	s.maybePrintOfferAnswer(offer, true)

	if s.api == nil {
		return "", "", webrtc.ErrConnectionClosed
	}

	om, err := parseOffer(offer)
	if err != nil {
		return "", "", err
	}

	pc, err := newPeerConnection(s.api)
	if err != nil {
		return "", "", err
	}

	sessionID := uuid.New().String()

	s.sessionsLock.Lock()
	s.sessions[sessionID] = pc
	s.sessionsLock.Unlock()

	fail := func(err error) (string, string, error) {
		s.removeSession(sessionID)
		return "", "", err
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.Log.Log(logger.Debug, "[%s] ICE connection state: %s", sessionID, state)

		if state == webrtc.ICEConnectionStateFailed || state == webrtc.ICEConnectionStateClosed {
			s.removeSession(sessionID)
		}
	})

	var tracks []*webrtc.TrackLocalStaticSample
	if om.audio {
		tracks = append(tracks, s.audioTrack)
	}
	if om.video {
		tracks = append(tracks, s.videoTrack)
	}

	for _, track := range tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			return fail(err)
		}
		go s.readRTCP(sessionID, track.Kind(), sender)
	}

	if err = pc.SetRemoteDescription(webrtc.SessionDescription{
		SDP:  offer,
		Type: webrtc.SDPTypeOffer,
	}); err != nil {
		return fail(err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	answer, err := pc.CreateAnswer(nil)

	if err != nil {
		return fail(err)
	} else if err = pc.SetLocalDescription(answer); err != nil {
		return fail(err)
	}

	<-gatherComplete

	s.Log.Log(logger.Info, "[%s] listener connected", sessionID)

	return s.maybePrintOfferAnswer(appendAnswer(pc.LocalDescription().SDP), false), sessionID, nil
}

// DeleteSession closes the session of a listener.
func (s *Server) DeleteSession(sessionID string) error {
	if !s.removeSession(sessionID) {
		return ErrSessionNotFound
	}
	return nil
}

func (s *Server) removeSession(sessionID string) bool {
	s.sessionsLock.Lock()
	pc, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.sessionsLock.Unlock()

	if !ok {
		return false
	}

	if err := pc.Close(); err != nil {
		s.Log.Log(logger.Debug, "[%s] closing peer connection: %v", sessionID, err)
	}
	s.Log.Log(logger.Info, "[%s] listener disconnected", sessionID)
	return true
}

// readRTCP drains the RTCP of a sender, which is required for interceptors
// to work. Keyframe requests cannot be honored since frames are not
// re-encoded; listeners recover at the next keyframe of the media.
func (s *Server) readRTCP(sessionID string, kind webrtc.RTPCodecType, sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				s.Log.Log(logger.Debug, "[%s] %s RTCP: %v", sessionID, kind, err)
			}
			return
		}

		for _, pkt := range pkts {
			switch pkt := pkt.(type) {
			case *rtcp.PictureLossIndication:
				s.Log.Log(logger.Debug, "[%s] picture loss indication for SSRC %d", sessionID, pkt.MediaSSRC)

			case *rtcp.FullIntraRequest:
				s.Log.Log(logger.Debug, "[%s] full intra request for SSRC %d", sessionID, pkt.MediaSSRC)
			}
		}
	}
}
