package live

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/antoniostano/voicedesk/internal/reliability"
)

func TestFromGenAIConvertsAudioParts(t *testing.T) {
	msg := fromGenAI(&genai.LiveServerMessage{
		ServerContent: &genai.LiveServerContent{
			ModelTurn: &genai.Content{Role: "model", Parts: []*genai.Part{
				{InlineData: &genai.Blob{MIMEType: "audio/pcm;rate=24000", Data: []byte{0, 0, 1, 0}}},
				nil,
				{Text: "ciao"},
			}},
			TurnComplete: true,
		},
	})

	require.NotNil(t, msg.ServerContent)
	assert.True(t, msg.ServerContent.TurnComplete)
	assert.False(t, msg.Interrupted())
	assert.Equal(t, []string{"AAABAA=="}, msg.AudioFragments())
	assert.False(t, msg.Terminal())
}

func TestFromGenAIFlags(t *testing.T) {
	assert.NotNil(t, fromGenAI(&genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}}).SetupComplete)
	assert.True(t, fromGenAI(&genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{Interrupted: true}}).Interrupted())
	assert.True(t, fromGenAI(&genai.LiveServerMessage{GoAway: &genai.LiveServerGoAway{}}).Terminal())
}

func TestGenAIOpenRequiresKey(t *testing.T) {
	_, err := NewGenAIDialer(zerolog.Nop()).Open(context.Background(), Config{}, Handlers{})
	assert.True(t, errors.Is(err, reliability.ErrConfiguration))
}
