package protocol_test

import (
	"encoding/json"
	"testing"

	"github.com/blukai/stabparty/internal/protocol"
	"github.com/matryer/is"
)

func TestSerializeCarriesTypeTag(t *testing.T) {
	is := is.New(t)

	data, err := protocol.Serialize(&protocol.Welcome{
		PlayerID:    "a1b2c3d4",
		PlayerColor: "e63333",
	})
	is.NoErr(err)

	var fields map[string]any
	is.NoErr(json.Unmarshal(data, &fields))
	is.Equal(fields["type"], "welcome")
	is.Equal(fields["playerId"], "a1b2c3d4")
	is.Equal(fields["playerColor"], "e63333")
}

func TestSerializeFieldlessMessage(t *testing.T) {
	is := is.New(t)

	data, err := protocol.Serialize(&protocol.Shake{})
	is.NoErr(err)
	is.Equal(string(data), `{"type":"shake"}`)
}

func TestDeserializeDispatch(t *testing.T) {
	is := is.New(t)

	testCases := []struct {
		json string
		want protocol.Message
	}{
		{
			`{"type":"join","playerName":"zoe","deviceId":"dev-1"}`,
			&protocol.Join{PlayerName: "zoe", DeviceID: "dev-1"},
		},
		{
			`{"type":"input","moveX":0.5,"moveY":-1,"action1":true,"action2":false,"orientAlpha":90}`,
			&protocol.Input{MoveX: 0.5, MoveY: -1, Action1: true, OrientAlpha: 90},
		},
		{
			`{"type":"shake"}`,
			&protocol.Shake{},
		},
		{
			`{"type":"ready","isReady":true}`,
			&protocol.Ready{IsReady: true},
		},
		{
			`{"type":"error","code":"ALREADY_JOINED","message":"You have already joined"}`,
			&protocol.Error{Code: "ALREADY_JOINED", Message: "You have already joined"},
		},
		{
			`{"type":"gameStart","gameMode":"stab"}`,
			&protocol.GameStart{GameMode: "stab"},
		},
		{
			`{"type":"lobbyState","players":[{"id":"x","name":"zoe","color":"e63333"}],"canStart":true}`,
			&protocol.LobbyState{
				Players:  []protocol.PlayerInfo{{ID: "x", Name: "zoe", Color: "e63333"}},
				CanStart: true,
			},
		},
	}

	for _, tc := range testCases {
		got := protocol.Deserialize([]byte(tc.json))
		is.Equal(got, tc.want)
	}
}

func TestDeserializeRoundTrip(t *testing.T) {
	is := is.New(t)

	original := &protocol.PlayerState{
		Health:         3,
		MaxHealth:      5,
		Score:          7,
		KungFuCount:    1,
		SmokeBombCount: 2,
		IsDead:         false,
	}

	data, err := protocol.Serialize(original)
	is.NoErr(err)
	is.Equal(protocol.Deserialize(data), original)
}

func TestDeserializeLeniency(t *testing.T) {
	is := is.New(t)

	// unknown types and malformed json are dropped, not errors
	is.Equal(protocol.Deserialize([]byte(`{"type":"teleport"}`)), nil)
	is.Equal(protocol.Deserialize([]byte(`{"type":`)), nil)
	is.Equal(protocol.Deserialize([]byte(`{}`)), nil)
	is.Equal(protocol.Deserialize([]byte(`not json at all`)), nil)

	// extra fields on a known type are fine (clients send
	// forward-compatible payloads)
	got := protocol.Deserialize([]byte(`{"type":"shake","intensity":9000}`))
	is.Equal(got, &protocol.Shake{})
}
