package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/clinicflow/videoconsult/internal/domain"
	"github.com/clinicflow/videoconsult/internal/failure"
)

// Message types on the room signalling channel.
const (
	TypeJoin                    = "join"
	TypeJoined                  = "joined"
	TypeOffer                   = "offer"
	TypeAnswer                  = "answer"
	TypeCandidate               = "candidate"
	TypeTrackState              = "track_state"
	TypeLeave                   = "leave"
	TypeParticipantConnected    = "participant_connected"
	TypeParticipantDisconnected = "participant_disconnected"
	TypeTrackUnpublished        = "track_unpublished"
	TypeRoomEnded               = "room_ended"
	TypeError                   = "error"
)

const defaultPingInterval = 15 * time.Second

// Message is the JSON envelope exchanged with the signalling server.
type Message struct {
	Type         string                      `json:"type"`
	Token        string                      `json:"token,omitempty"`
	Room         string                      `json:"room,omitempty"`
	Constraints  *domain.MediaConstraints    `json:"constraints,omitempty"`
	Identity     string                      `json:"identity,omitempty"`
	Participants []domain.ParticipantInfo    `json:"participants,omitempty"`
	Participant  *domain.ParticipantInfo     `json:"participant,omitempty"`
	SID          string                      `json:"sid,omitempty"`
	Enabled      *bool                       `json:"enabled,omitempty"`
	SDP          *domain.SDPPayload          `json:"sdp,omitempty"`
	Candidate    *domain.ICECandidatePayload `json:"candidate,omitempty"`
	Code         int                         `json:"code,omitempty"`
	Message      string                      `json:"message,omitempty"`
}

type joinReply struct {
	result domain.JoinResult
	err    error
}

// Client manages the WebSocket connection to the signalling server.
type Client struct {
	url          string
	handler      domain.SignalHandler
	pingInterval time.Duration

	conn   *websocket.Conn
	joined atomic.Bool
	joinCh chan joinReply

	mu        sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

// NewClient creates a signalling client for url delivering events to handler.
func NewClient(url string, handler domain.SignalHandler) *Client {
	return &Client{
		url:          url,
		handler:      handler,
		pingInterval: defaultPingInterval,
		joinCh:       make(chan joinReply, 1),
		closed:       make(chan struct{}),
	}
}

// SetPingInterval overrides the keepalive interval.
func (c *Client) SetPingInterval(d time.Duration) {
	c.pingInterval = d
}

// Connect dials the signalling WebSocket and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	log.Info().Str("module", "signal").Str("url", c.url).Msg("connecting")

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial: %w", handshakeError(resp))
		}
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		conn.Close()
		return &failure.ProviderError{Code: failure.CodeSignalingDisconnected, Message: "signalling closed while dialing"}
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop()
	go c.pingLoop()

	return nil
}

func handshakeError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &failure.ProviderError{Code: failure.CodeInvalidAccessToken, Message: resp.Status}
	case http.StatusNotFound:
		return &failure.ProviderError{Code: failure.CodeRoomNotFound, Message: resp.Status}
	default:
		return &failure.ProviderError{Code: failure.CodeSignalingConnectionError, Message: resp.Status}
	}
}

// Join asks to enter room and waits for the server's reply.
func (c *Client) Join(ctx context.Context, token, room string, constraints domain.MediaConstraints) (domain.JoinResult, error) {
	if err := c.sendJSON(Message{
		Type:        TypeJoin,
		Token:       token,
		Room:        room,
		Constraints: &constraints,
	}); err != nil {
		return domain.JoinResult{}, err
	}

	select {
	case r := <-c.joinCh:
		return r.result, r.err
	case <-ctx.Done():
		return domain.JoinResult{}, ctx.Err()
	case <-c.closed:
		return domain.JoinResult{}, &failure.ProviderError{Code: failure.CodeSignalingDisconnected, Message: "signalling closed before join"}
	}
}

// Close shuts down the WebSocket connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Client) sendJSON(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return errors.New("signal: not connected")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	log.Trace().Str("module", "signal").RawJSON("msg", data).Msg(">>>")
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Client) send(msg Message) {
	if err := c.sendJSON(msg); err != nil && !c.isClosed() {
		log.Warn().Str("module", "signal").Str("type", msg.Type).Err(err).Msg("send failed")
	}
}

// SendOffer sends the local SDP offer.
func (c *Client) SendOffer(sdp string) {
	c.send(Message{Type: TypeOffer, SDP: &domain.SDPPayload{Type: "offer", SDP: sdp}})
}

// SendAnswer answers a server-initiated renegotiation.
func (c *Client) SendAnswer(sdp string) {
	c.send(Message{Type: TypeAnswer, SDP: &domain.SDPPayload{Type: "answer", SDP: sdp}})
}

// SendICECandidate sends a local ICE candidate.
func (c *Client) SendICECandidate(sdpMid string, sdpMLineIndex int, candidate string) {
	c.send(Message{Type: TypeCandidate, Candidate: &domain.ICECandidatePayload{
		SDPMid:        sdpMid,
		SDPMLineIndex: sdpMLineIndex,
		Candidate:     candidate,
	}})
}

// SendTrackState tells the room that a local track was paused or resumed.
func (c *Client) SendTrackState(sid string, enabled bool) {
	c.send(Message{Type: TypeTrackState, SID: sid, Enabled: &enabled})
}

// Leave announces that the local participant is leaving.
func (c *Client) Leave() {
	c.send(Message{Type: TypeLeave})
}

func (c *Client) readLoop() {
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			log.Warn().Str("module", "signal").Err(err).Msg("read error")
			c.replyJoin(joinReply{err: &failure.ProviderError{Code: failure.CodeSignalingDisconnected, Message: err.Error()}})
			c.handler.OnSignalClosed(fmt.Errorf("signal read: %w", err))
			return
		}

		log.Trace().Str("module", "signal").RawJSON("msg", data).Msg("<<<")

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Str("module", "signal").Err(err).Msg("unmarshal error")
			continue
		}

		c.dispatch(msg)
	}
}

func (c *Client) replyJoin(r joinReply) {
	select {
	case c.joinCh <- r:
	default:
	}
}

func (c *Client) dispatch(msg Message) {
	switch msg.Type {
	case TypeJoined:
		c.joined.Store(true)
		log.Info().Str("module", "signal").Str("room", msg.Room).Int("participants", len(msg.Participants)).Msg("joined")
		c.replyJoin(joinReply{result: domain.JoinResult{
			Room:         msg.Room,
			Identity:     msg.Identity,
			Participants: msg.Participants,
		}})

	case TypeError:
		perr := &failure.ProviderError{Code: msg.Code, Message: msg.Message}
		if !c.joined.Load() {
			c.replyJoin(joinReply{err: perr})
			return
		}
		log.Warn().Str("module", "signal").Int("code", msg.Code).Str("message", msg.Message).Msg("server error")

	case TypeParticipantConnected:
		if msg.Participant == nil {
			return
		}
		c.handler.OnParticipantJoined(*msg.Participant)

	case TypeParticipantDisconnected:
		c.handler.OnParticipantLeft(msg.Identity)

	case TypeTrackUnpublished:
		c.handler.OnTrackUnpublished(msg.Identity, msg.SID)

	case TypeOffer:
		if msg.SDP != nil {
			c.handler.OnOffer(*msg.SDP)
		}

	case TypeAnswer:
		if msg.SDP != nil {
			c.handler.OnAnswer(*msg.SDP)
		}

	case TypeCandidate:
		if msg.Candidate != nil {
			c.handler.OnRemoteICECandidate(*msg.Candidate)
		}

	case TypeRoomEnded:
		log.Info().Str("module", "signal").Msg("room ended by server")
		c.handler.OnRoomEnded()

	default:
		log.Debug().Str("module", "signal").Str("type", msg.Type).Msg("unhandled message")
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(
				websocket.PingMessage,
				[]byte{},
				time.Now().Add(5*time.Second),
			)
			c.mu.Unlock()
			if err != nil {
				if !c.isClosed() {
					log.Warn().Str("module", "signal").Err(err).Msg("ping error")
				}
				return
			}
		}
	}
}
