// Package session owns the authoritative player table: who is in the party,
// which transport connection they are on right now, and what their controller
// input currently looks like. It survives transport churn — a phone that locks
// its screen mid-game drops its socket, but the session sticks around in a
// disconnected pool keyed by the device identifier until the same device
// joins again.
package session

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/blukai/stabparty/internal/debug"
	"github.com/blukai/stabparty/internal/protocol"
	"github.com/cespare/xxhash/v2"
	"github.com/phuslu/log"
)

// MaxNameLength caps a display name after trimming.
const MaxNameLength = 20

// ErrNotEnoughPlayers is returned by StartGame when the lobby is below the
// minimum player threshold.
var ErrNotEnoughPlayers = errors.New("not enough players")

// colors handed out round-robin as players join. hex without '#', same order
// a lobby fills up in.
var palette = []string{
	"e63333", // red
	"3399e6", // blue
	"33cc4d", // green
	"e6cc33", // yellow
	"cc4dcc", // purple
	"e68033", // orange
	"4dcccc", // cyan
	"e66699", // pink
}

type deviceKey uint64

func makeDeviceKey(deviceID string) deviceKey {
	return deviceKey(xxhash.Sum64String(deviceID))
}

// Input is the latest controller snapshot for one player, overwritten in
// place on every input message.
type Input struct {
	MoveX       float64
	MoveY       float64
	Action1     bool
	Action2     bool
	OrientAlpha float64
}

// Player is one human participant, independent of any single transport
// connection. ID is the current connection id and changes on reconnect.
type Player struct {
	ID       string
	Name     string
	Color    string
	DeviceID string
	Input    Input
}

type EventKind int

const (
	EventJoined EventKind = iota
	EventLeft
	EventDisconnected
	EventReconnected
	EventShook
	EventGameStarted
	EventLobbyReset
)

// Event is published to the world simulation. For EventReconnected, OldID
// carries the previous connection id so entities keyed by it can be remapped.
type Event struct {
	Kind     EventKind
	Player   Player
	OldID    string
	GameMode string
}

// Sender is the transport surface the manager talks through. the gateway
// implements it.
type Sender interface {
	Send(connID string, m protocol.Message) error
	Broadcast(m protocol.Message) error
}

type Manager struct {
	mu sync.Mutex

	sender Sender
	logger *log.Logger

	players      map[string]*Player
	disconnected map[deviceKey]*Player

	inGame     bool
	gameMode   string
	minPlayers int
	colorIndex int

	events chan Event
}

func NewManager(sender Sender, minPlayers int, logger *log.Logger) *Manager {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	return &Manager{
		sender: sender,
		logger: logger,

		players:      make(map[string]*Player),
		disconnected: make(map[deviceKey]*Player),

		minPlayers: minPlayers,

		events: make(chan Event, 64),
	}
}

// Events is the queue the world simulation consumes. subscribe once at
// startup; the manager never blocks on a slow consumer (overflow is dropped
// with a warning).
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) publish(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn().
			Int("kind", int(ev.Kind)).
			Msg("event queue full, dropping event")
	}
}

// HandleMessage dispatches one inbound message from connID. messages the
// manager does not act on (ready, or anything a future client invents) are
// ignored here on purpose.
func (m *Manager) HandleMessage(connID string, msg protocol.Message) {
	switch msg := msg.(type) {
	case *protocol.Join:
		m.handleJoin(connID, msg)
	case *protocol.Input:
		m.handleInput(connID, msg)
	case *protocol.Shake:
		m.handleShake(connID)
	}
}

func (m *Manager) handleJoin(connID string, msg *protocol.Join) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.players[connID]; ok {
		err := m.sender.Send(connID, &protocol.Error{
			Code:    "ALREADY_JOINED",
			Message: "You have already joined",
		})
		if err != nil {
			m.logger.Error().
				Str("conn", connID).
				Msgf("could not send error: %v", err)
		}
		return
	}

	// reconnect path: a device we saw disconnect mid-game is back
	if msg.DeviceID != "" {
		if player, ok := m.disconnected[makeDeviceKey(msg.DeviceID)]; ok {
			delete(m.disconnected, makeDeviceKey(msg.DeviceID))

			// a device identifier maps to at most one session across
			// both pools; it just left the disconnected one
			debug.Assert(m.players[player.ID] != player)

			oldID := player.ID
			player.ID = connID
			m.players[connID] = player

			m.logger.Info().
				Str("player", player.Name).
				Str("oldConn", oldID).
				Str("newConn", connID).
				Msg("player reconnected")

			m.welcomeLocked(player)
			m.publish(Event{Kind: EventReconnected, Player: *player, OldID: oldID})
			m.broadcastLobbyStateLocked()
			return
		}
	}

	name := strings.TrimSpace(msg.PlayerName)
	if name == "" {
		name = fmt.Sprintf("Player %d", len(m.players)+1)
	}
	if runes := []rune(name); len(runes) > MaxNameLength {
		name = string(runes[:MaxNameLength])
	}

	player := &Player{
		ID:       connID,
		Name:     name,
		Color:    m.nextColorLocked(),
		DeviceID: msg.DeviceID,
	}
	m.players[connID] = player

	m.logger.Info().
		Str("player", player.Name).
		Str("conn", connID).
		Msg("player joined")

	m.welcomeLocked(player)
	m.publish(Event{Kind: EventJoined, Player: *player})
	m.broadcastLobbyStateLocked()
}

// welcomeLocked sends the welcome (and, mid-game, the gameStart that flips
// the phone to the controller screen).
func (m *Manager) welcomeLocked(player *Player) {
	err := m.sender.Send(player.ID, &protocol.Welcome{
		PlayerID:    player.ID,
		PlayerColor: player.Color,
	})
	if err != nil {
		m.logger.Error().
			Str("conn", player.ID).
			Msgf("could not send welcome: %v", err)
	}

	if m.inGame {
		err := m.sender.Send(player.ID, &protocol.GameStart{GameMode: m.gameMode})
		if err != nil {
			m.logger.Error().
				Str("conn", player.ID).
				Msgf("could not send game start: %v", err)
		}
	}
}

func (m *Manager) handleInput(connID string, msg *protocol.Input) {
	m.mu.Lock()
	defer m.mu.Unlock()

	player, ok := m.players[connID]
	if !ok {
		return
	}
	player.Input = Input{
		MoveX:       msg.MoveX,
		MoveY:       msg.MoveY,
		Action1:     msg.Action1,
		Action2:     msg.Action2,
		OrientAlpha: msg.OrientAlpha,
	}
}

func (m *Manager) handleShake(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	player, ok := m.players[connID]
	if !ok {
		return
	}
	m.publish(Event{Kind: EventShook, Player: *player})
}

// HandleDisconnect is called by the transport exactly once per dead
// connection. mid-game, a session with a device id goes to the disconnected
// pool so the same phone can rejoin; in the lobby (or without a device id)
// the player is gone for good.
func (m *Manager) HandleDisconnect(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	player, ok := m.players[connID]
	if !ok {
		return
	}
	delete(m.players, connID)

	if m.inGame && player.DeviceID != "" {
		m.disconnected[makeDeviceKey(player.DeviceID)] = player

		// neutral input immediately so the character stops moving
		player.Input = Input{}

		m.logger.Info().
			Str("player", player.Name).
			Msg("player disconnected (can reconnect)")
		m.publish(Event{Kind: EventDisconnected, Player: *player})
	} else {
		m.logger.Info().
			Str("player", player.Name).
			Msg("player left")
		m.publish(Event{Kind: EventLeft, Player: *player})
	}

	m.broadcastLobbyStateLocked()
}

// StartGame transitions to the in-game phase. ErrNotEnoughPlayers if the
// lobby is below the configured threshold.
func (m *Manager) StartGame(mode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.players) < m.minPlayers {
		return ErrNotEnoughPlayers
	}

	m.inGame = true
	m.gameMode = mode

	m.logger.Info().
		Str("mode", mode).
		Msg("starting game")

	err := m.sender.Broadcast(&protocol.GameStart{GameMode: mode})
	if err != nil {
		m.logger.Error().
			Msgf("could not broadcast game start: %v", err)
	}
	m.publish(Event{Kind: EventGameStarted, GameMode: mode})
	return nil
}

// ResetLobby clears everything, including the disconnected pool and the
// color rotation, and announces the empty lobby.
func (m *Manager) ResetLobby() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.players = make(map[string]*Player)
	m.disconnected = make(map[deviceKey]*Player)
	m.colorIndex = 0
	m.inGame = false
	m.gameMode = ""

	m.publish(Event{Kind: EventLobbyReset})
	m.broadcastLobbyStateLocked()
}

// SendToPlayer forwards a world-simulation message (playerState, death, oof,
// grappleState, ...) to one player's phone.
func (m *Manager) SendToPlayer(connID string, msg protocol.Message) error {
	return m.sender.Send(connID, msg)
}

// Broadcast forwards a world-simulation message to every connected client.
func (m *Manager) Broadcast(msg protocol.Message) error {
	return m.sender.Broadcast(msg)
}

// Players returns a snapshot of the active player table.
func (m *Manager) Players() []Player {
	m.mu.Lock()
	defer m.mu.Unlock()

	players := make([]Player, 0, len(m.players))
	for _, p := range m.players {
		players = append(players, *p)
	}
	return players
}

// PlayerByConn returns a snapshot of one active player.
func (m *Manager) PlayerByConn(connID string) (Player, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	player, ok := m.players[connID]
	if !ok {
		return Player{}, false
	}
	return *player, true
}

// DisconnectedCount reports how many sessions sit in the reconnect pool.
func (m *Manager) DisconnectedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.disconnected)
}

// InGame reports whether a round is in progress.
func (m *Manager) InGame() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inGame
}

func (m *Manager) nextColorLocked() string {
	color := palette[m.colorIndex%len(palette)]
	m.colorIndex++
	return color
}

func (m *Manager) broadcastLobbyStateLocked() {
	state := &protocol.LobbyState{
		Players:  make([]protocol.PlayerInfo, 0, len(m.players)),
		CanStart: len(m.players) >= m.minPlayers,
	}
	for _, p := range m.players {
		state.Players = append(state.Players, protocol.PlayerInfo{
			ID:    p.ID,
			Name:  p.Name,
			Color: p.Color,
		})
	}

	if err := m.sender.Broadcast(state); err != nil {
		m.logger.Error().
			Msgf("could not broadcast lobby state: %v", err)
	}
}
