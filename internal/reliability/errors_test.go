package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMatchesKindSentinel(t *testing.T) {
	err := fmt.Errorf("connect: %w", Permission("open microphone", errors.New("denied")))

	assert.True(t, errors.Is(err, ErrPermission))
	assert.False(t, errors.Is(err, ErrTransport))
	assert.Equal(t, KindPermission, KindOf(err))

	var classified *Error
	require.True(t, errors.As(err, &classified))
	assert.Equal(t, "open microphone", classified.Op)
	assert.Equal(t, "open microphone: denied", classified.Error())
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, Kind(""), KindOf(context.Canceled))
	assert.Equal(t, KindTransport, KindOf(errors.New("boom")))
}

func TestUserMessage(t *testing.T) {
	assert.Empty(t, UserMessage(nil))
	assert.Contains(t, UserMessage(Configuration("connect", errors.New("missing key"))), "API key")
	assert.Contains(t, UserMessage(Permission("mic", nil)), "Microphone")
	assert.Contains(t, UserMessage(Transport("open", context.DeadlineExceeded)), "in time")
	assert.Contains(t, UserMessage(Transport("open", errors.New("tls"))), "Unable to reach")
}

func TestClassifyKeepsExistingKind(t *testing.T) {
	assert.NoError(t, Classify(KindTransport, "x", nil))

	denied := Permission("open microphone", errors.New("denied"))
	assert.Same(t, denied, Classify(KindTransport, "session.speaker", denied))

	err := Classify(KindPermission, "session.microphone", errors.New("NotAllowedError"))
	assert.True(t, errors.Is(err, ErrPermission))
	assert.Equal(t, "session.microphone: NotAllowedError", err.Error())
}
