package pjsua

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sessionbridge/pkg/engine"
)

func TestParseCalls(t *testing.T) {
	out := `Current calls:
  [0] CONFIRMED to sip:bob@example.com [ACTIVE]
  [1] INCOMING from <sip:carol@example.com> [NONE]
  [2] EARLY to sip:dave@example.com
  [3] WEIRD to sip:x@example.com`

	calls := parseCalls(out)
	require.Len(t, calls, 3)

	assert.Equal(t, callLine{
		ID: 0, State: engine.CallStateConfirmed, Role: engine.RoleUAC,
		Remote: "sip:bob@example.com", Media: engine.MediaStatusActive,
	}, calls[0])
	assert.Equal(t, engine.RoleUAS, calls[1].Role)
	assert.Equal(t, "sip:carol@example.com", calls[1].Remote)
	assert.Equal(t, engine.CallStateEarly, calls[2].State)
	assert.Equal(t, engine.MediaStatusNone, calls[2].Media)
}

func TestParseAccounts(t *testing.T) {
	out := `Account list:
  [ 0] <sip:192.168.1.2:5060>: does not register
 *[ 1] sip:alice@example.com: 200/OK (expires=299)
  [ 2] sip:bob@example.com: 401/Unauthorized`

	accs := parseAccounts(out)
	require.Len(t, accs, 3)

	assert.Equal(t, "sip:192.168.1.2:5060", accs[0].URI)
	assert.Zero(t, accs[0].Code)
	assert.Equal(t, accLine{ID: 1, URI: "sip:alice@example.com", Code: 200, Reason: "OK", Expires: 299}, accs[1])
	assert.Equal(t, 401, accs[2].Code)
	assert.Equal(t, "Unauthorized", accs[2].Reason)
}

func TestParseBuddies(t *testing.T) {
	out := `Buddy list:
  [1] sip:bob@example.com [Online] "In a meeting"
  [2] <sip:carol@example.com> [Offline]`

	buddies := parseBuddies(out)
	require.Len(t, buddies, 2)
	assert.Equal(t, engine.PresenceOnline, buddies[0].Status)
	assert.Equal(t, "In a meeting", buddies[0].StatusText)
	assert.Equal(t, "sip:carol@example.com", buddies[1].URI)
	assert.Equal(t, engine.PresenceOffline, buddies[1].Status)
	assert.Equal(t, "Offline", buddies[1].StatusText)
}

func TestParseDevices(t *testing.T) {
	audio := parseAudioDevices(`[0] Default Audio Device (ALSA) 2/2
[1] USB Headset (ALSA) 1/0`)
	require.Len(t, audio, 2)
	assert.Equal(t, engine.DeviceInfo{
		ID: 1, Kind: engine.DeviceAudio, Name: "USB Headset", Driver: "ALSA", InputCount: 1,
	}, audio[1])

	video := parseVideoDevices(`Video devices:
[0] HD Camera (v4l2) [capture]
    640x480@30fps I420
    1280x720@15fps YUY2
[1] SDL renderer (SDL) [render]
    640x480@30fps I420
[2] Colorbar generator (Colorbar) [capture]
    352x288@25fps I420`)
	require.Len(t, video, 2)
	assert.Equal(t, "HD Camera", video[0].Name)
	assert.Equal(t, []engine.VideoFormat{
		{Width: 640, Height: 480, FPS: 30, Format: "I420"},
		{Width: 1280, Height: 720, FPS: 15, Format: "YUY2"},
	}, video[0].Formats)
	assert.Equal(t, 2, video[1].ID)
	assert.Len(t, video[1].Formats, 1)
}

func TestParseConfPortsAndIDs(t *testing.T) {
	ports := parseConfPorts(`Conference ports:
Port #00[Master/sound]  transmitting to: #1
Port #01[sip:bob@example.com]  transmitting to: #0`)
	assert.Equal(t, map[engine.MediaPort]string{0: "Master/sound", 1: "sip:bob@example.com"}, ports)

	id, ok := parseNewCallID("Making call to sip:bob@example.com\nCall 3 state changed to CALLING")
	assert.True(t, ok)
	assert.Equal(t, engine.CallID(3), id)
	_, ok = parseNewCallID("nothing here")
	assert.False(t, ok)

	acc, ok := parseAddedID(accAddedRe, "Account 4 added")
	assert.True(t, ok)
	assert.Equal(t, 4, acc)
}

func TestBuildArgs(t *testing.T) {
	opts := Options{TelnetPort: 2424, Args: []string{"--null-audio"}, Account: &engine.AccountConfig{
		IDURI:        "sip:alice@example.com",
		RegistrarURI: "sip:example.com",
		Credentials:  []engine.AuthCredential{{Username: "alice", Password: "secret"}},
		RegTimeout:   120,
	}}
	cfg := engine.EndpointConfig{MaxCalls: 2}
	args := buildArgs(opts, cfg, []engine.TransportConfig{{Type: engine.TransportUDP, Port: 5070}})

	assert.Equal(t, []string{"--use-cli", "--cli-telnet-port", "2424", "--no-cli-console"}, args[:4])
	assert.Contains(t, args, "--no-tcp")
	assert.NotContains(t, args, "--no-udp")
	assert.Subset(t, args, []string{"--local-port", "5070", "--max-calls", "2", "--realm", "*", "--username", "alice", "--password", "secret", "--reg-timeout", "120"})
	assert.Equal(t, "--null-audio", args[len(args)-1])
}
