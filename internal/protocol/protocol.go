// Package protocol defines the typed json messages exchanged between the
// phone controllers and the host, and the (de)serialization table keyed by
// the "type" discriminator field.
package protocol

import (
	"encoding/json"
)

const (
	// client -> server
	TypeJoin  = "join"
	TypeInput = "input"
	TypeShake = "shake"
	TypeReady = "ready"

	// server -> client
	TypeWelcome      = "welcome"
	TypeLobbyState   = "lobbyState"
	TypeError        = "error"
	TypeGameStart    = "gameStart"
	TypeGrappleState = "grappleState"
	TypePlayerState  = "playerState"
	TypeGameEnd      = "gameEnd"
	TypeDeath        = "death"
	TypeOof          = "oof"
)

// Message is implemented by every protocol message.
type Message interface {
	MessageType() string
}

type Join struct {
	PlayerName string `json:"playerName"`
	// DeviceID is a durable client-generated identifier. a client that
	// stores it locally can rejoin mid-game and get its session back.
	DeviceID string `json:"deviceId,omitempty"`
}

func (Join) MessageType() string { return TypeJoin }

type Input struct {
	MoveX       float64 `json:"moveX"`
	MoveY       float64 `json:"moveY"`
	Action1     bool    `json:"action1"`
	Action2     bool    `json:"action2"`
	OrientAlpha float64 `json:"orientAlpha"`
}

func (Input) MessageType() string { return TypeInput }

type Shake struct{}

func (Shake) MessageType() string { return TypeShake }

type Ready struct {
	IsReady bool `json:"isReady"`
}

func (Ready) MessageType() string { return TypeReady }

type Welcome struct {
	PlayerID string `json:"playerId"`
	// PlayerColor is hex without the leading '#'.
	PlayerColor string `json:"playerColor"`
}

func (Welcome) MessageType() string { return TypeWelcome }

type PlayerInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

type LobbyState struct {
	Players  []PlayerInfo `json:"players"`
	CanStart bool         `json:"canStart"`
}

func (LobbyState) MessageType() string { return TypeLobbyState }

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (Error) MessageType() string { return TypeError }

type GameStart struct {
	GameMode string `json:"gameMode"`
}

func (GameStart) MessageType() string { return TypeGameStart }

type GrappleState struct {
	// StabSpeed of zero means not grappling.
	StabSpeed float64 `json:"stabSpeed"`
}

func (GrappleState) MessageType() string { return TypeGrappleState }

type PlayerState struct {
	Health           int  `json:"health"`
	MaxHealth        int  `json:"maxHealth"`
	Score            int  `json:"score"`
	KungFuCount      int  `json:"kungFuCount"`
	ReverseGripCount int  `json:"reverseGripCount"`
	TurboStabCount   int  `json:"turboStabCount"`
	SmokeBombCount   int  `json:"smokeBombCount"`
	IsDead           bool `json:"isDead"`
}

func (PlayerState) MessageType() string { return TypePlayerState }

type GameEnd struct{}

func (GameEnd) MessageType() string { return TypeGameEnd }

type Death struct{}

func (Death) MessageType() string { return TypeDeath }

type Oof struct{}

func (Oof) MessageType() string { return TypeOof }

// Serialize encodes m as a json object with the "type" discriminator spliced
// in front of m's own fields.
func Serialize(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(body)+len(m.MessageType())+11)
	out = append(out, `{"type":"`...)
	out = append(out, m.MessageType()...)
	out = append(out, '"')
	// body is always an object; merge its fields (if any) after the tag
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:len(body)-1]...)
	}
	out = append(out, '}')
	return out, nil
}

// Deserialize parses data and dispatches on the "type" field. malformed json
// and unknown types yield nil rather than an error: clients are allowed to
// send messages this server does not understand (forward compatibility), and
// one bad message must never take down the session.
func Deserialize(data []byte) Message {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil
	}

	var m Message
	switch probe.Type {
	case TypeJoin:
		m = &Join{}
	case TypeInput:
		m = &Input{}
	case TypeShake:
		m = &Shake{}
	case TypeReady:
		m = &Ready{}
	case TypeWelcome:
		m = &Welcome{}
	case TypeLobbyState:
		m = &LobbyState{}
	case TypeError:
		m = &Error{}
	case TypeGameStart:
		m = &GameStart{}
	case TypeGrappleState:
		m = &GrappleState{}
	case TypePlayerState:
		m = &PlayerState{}
	case TypeGameEnd:
		m = &GameEnd{}
	case TypeDeath:
		m = &Death{}
	case TypeOof:
		m = &Oof{}
	default:
		return nil
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil
	}
	return m
}
