package voice

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInitAliases(t *testing.T) {
	for _, typ := range []string{"init", "init_session"} {
		msg, err := DecodeClientMessage([]byte(`{"type":"` + typ + `","userId":" u1 ","agentTitle":"Tutor A"}`))
		require.NoError(t, err, typ)
		assert.Equal(t, KindInit, msg.Kind)
		assert.Equal(t, "u1", msg.UserID)
		assert.Equal(t, "Tutor A", msg.AgentTitle)
	}
}

func TestDecodeInitFallsBackToPersonaID(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"init","userId":"u1","personaId":"socratic-math"}`))
	require.NoError(t, err)
	assert.Equal(t, "socratic-math", msg.AgentTitle)
}

func TestDecodeInitMissingFieldsIsNotAParseError(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"init"}`))
	require.NoError(t, err)
	assert.Empty(t, msg.UserID)
	assert.Empty(t, msg.AgentTitle)
}

func TestDecodeAudioAliases(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03}
	encoded := base64.StdEncoding.EncodeToString(pcm)

	cases := []string{
		`{"type":"audio_chunk","audioData":"` + encoded + `"}`,
		`{"type":"audio_data","data":"` + encoded + `"}`,
		`{"type":"audio","audioData":"` + encoded + `"}`,
	}
	for _, raw := range cases {
		msg, err := DecodeClientMessage([]byte(raw))
		require.NoError(t, err, raw)
		assert.Equal(t, KindAudio, msg.Kind)
		assert.Equal(t, pcm, msg.Audio)
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := map[string]string{
		`not json`:                              CodeMessageParse,
		`{"userId":"u1"}`:                       CodeMessageParse,
		`{"type":"audio_chunk"}`:                CodeMessageParse,
		`{"type":"audio_chunk","data":"%%%"}`:   CodeMessageParse,
		`{"type":"text","text":"hello"}`:        CodeUnknownMessage,
		`{"type":"config","personaId":"tutor"}`: CodeUnknownMessage,
	}
	for raw, code := range cases {
		_, err := DecodeClientMessage([]byte(raw))
		var decodeErr *DecodeError
		require.ErrorAs(t, err, &decodeErr, raw)
		assert.Equal(t, code, decodeErr.Code, raw)
	}
}

func TestDecodeDisconnect(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"disconnect"}`))
	require.NoError(t, err)
	assert.Equal(t, KindDisconnect, msg.Kind)
}
