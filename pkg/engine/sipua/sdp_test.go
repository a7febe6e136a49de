package sipua

import (
	"strings"
	"testing"

	"github.com/pion/dtls/v2/pkg/crypto/selfsign"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfferRoundTrip(t *testing.T) {
	offer, err := BuildOffer("192.0.2.10", 10002, "")
	require.NoError(t, err)

	body := string(offer)
	assert.Contains(t, body, "m=audio 10002 RTP/AVP 0 8")
	assert.Contains(t, body, "a=rtpmap:0 PCMU/8000")
	assert.Contains(t, body, "a=rtpmap:8 PCMA/8000")
	assert.NotContains(t, body, "fingerprint")

	rm, err := ParseRemote(offer)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", rm.Addr.IP.String())
	assert.Equal(t, 10002, rm.Addr.Port)
	assert.Equal(t, CodecPCMU, rm.Codec)
	assert.False(t, rm.Secure)
	assert.Equal(t, "sendrecv", rm.Direction)
}

func TestSecureOfferAnswer(t *testing.T) {
	cert, err := selfsign.GenerateSelfSigned()
	require.NoError(t, err)
	fp := Fingerprint(cert.Certificate[0])
	assert.Len(t, strings.Split(fp, ":"), 32)

	offer, err := BuildOffer("192.0.2.10", 10002, fp)
	require.NoError(t, err)
	assert.Contains(t, string(offer), "UDP/TLS/RTP/SAVP")

	rm, err := ParseRemote(offer)
	require.NoError(t, err)
	assert.True(t, rm.Secure)
	assert.Equal(t, fp, rm.Fingerprint)
	assert.Equal(t, setupActPass, rm.Setup)

	answer, err := BuildAnswer("192.0.2.20", 20000, rm, fp)
	require.NoError(t, err)
	am, err := ParseRemote(answer)
	require.NoError(t, err)
	assert.Equal(t, setupActive, am.Setup)
	assert.True(t, am.Secure)

	_, err = BuildAnswer("192.0.2.20", 20000, rm, "")
	assert.Error(t, err)
}

func TestParseRemote_PicksRemotePreference(t *testing.T) {
	body := "v=0\r\n" +
		"o=- 1 1 IN IP4 198.51.100.7\r\n" +
		"s=-\r\n" +
		"c=IN IP4 198.51.100.7\r\n" +
		"t=0 0\r\n" +
		"m=audio 4000 RTP/AVP 18 8 0\r\n" +
		"a=rtpmap:18 G729/8000\r\n" +
		"a=rtpmap:8 PCMA/8000\r\n" +
		"a=rtpmap:0 PCMU/8000\r\n" +
		"a=sendonly\r\n"

	rm, err := ParseRemote([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, CodecPCMA, rm.Codec)
	assert.Equal(t, 4000, rm.Addr.Port)
	assert.Equal(t, "sendonly", rm.Direction)

	answer, err := BuildAnswer("192.0.2.20", 20000, rm, "")
	require.NoError(t, err)
	assert.Contains(t, string(answer), "m=audio 20000 RTP/AVP 8")
}

func TestParseRemote_Errors(t *testing.T) {
	head := "v=0\r\no=- 1 1 IN IP4 198.51.100.7\r\ns=-\r\nc=IN IP4 198.51.100.7\r\nt=0 0\r\n"

	tests := []struct {
		name string
		body string
		want error
	}{
		{"no common codec", head + "m=audio 4000 RTP/AVP 18\r\na=rtpmap:18 G729/8000\r\n", errNoCommonCodec},
		{"video only", head + "m=video 4002 RTP/AVP 96\r\na=rtpmap:96 H264/90000\r\n", errNoAudio},
		{"rejected audio", head + "m=audio 0 RTP/AVP 0\r\n", errNoAudio},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRemote([]byte(tt.body))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := ParseRemote([]byte("garbage"))
	assert.Error(t, err)

	_, err = ParseRemote([]byte(head + "m=audio 4000 UDP/TLS/RTP/SAVP 0\r\n"))
	assert.Error(t, err, "secure media without fingerprint")
}
