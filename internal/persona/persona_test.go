package persona

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := map[string]Persona{
		"FRONT_DESK":  FrontDesk,
		"front-desk":  FrontDesk,
		" emergency ": Emergency,
	}
	for in, want := range cases {
		got, err := Parse(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := Parse("sales")
	assert.ErrorIs(t, err, ErrUnknown)
}

func TestCatalogVoices(t *testing.T) {
	fd, ok := FrontDesk.Profile()
	require.True(t, ok)
	assert.Equal(t, "Kore", fd.Voice)
	assert.Equal(t, "Sara", fd.Name)

	em, ok := Emergency.Profile()
	require.True(t, ok)
	assert.Equal(t, "Puck", em.Voice)
	assert.Equal(t, "Michele", em.Name)

	assert.NotEmpty(t, fd.SystemInstruction)
	assert.NotEmpty(t, em.SystemInstruction)
	assert.False(t, Persona("X").Valid())
	assert.Len(t, All(), 2)
}
