package transcription

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapSpeaker(t *testing.T) {
	cases := []struct {
		raw      string
		expected string
		valid    bool
	}{
		{raw: "agent", expected: SpeakerAgent, valid: true},
		{raw: "AGENT", expected: SpeakerAgent, valid: true},
		{raw: "user", expected: SpeakerDriver, valid: true},
		{raw: "DRIVER", expected: SpeakerDriver, valid: true},
		{raw: "caller", valid: false},
		{raw: "Agent", valid: false},
		{raw: "", valid: false},
	}

	for _, testCase := range cases {
		speaker, err := MapSpeaker(testCase.raw)

		if !testCase.valid {
			require.ErrorIs(t, err, ErrInvalidSpeaker, "raw=%q", testCase.raw)
			continue
		}

		require.NoError(t, err, "raw=%q", testCase.raw)
		require.Equal(t, testCase.expected, speaker)
	}
}
