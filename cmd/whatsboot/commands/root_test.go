package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/whatsboot/pkg/whatsboot/config"
)

func TestRootRegistersCommands(t *testing.T) {
	root := NewRootCmd("1.2.3")
	assert.Equal(t, "1.2.3", root.Version)

	for _, path := range [][]string{
		{"serve"},
		{"migrate"},
		{"keys", "set"},
		{"keys", "delete"},
		{"channels", "list"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, "%v", path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}

	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("verbose"))
}

func TestKeyringEntry(t *testing.T) {
	entry, err := keyringEntry("OpenAI")
	require.NoError(t, err)
	assert.Equal(t, config.KeyOpenAI, entry)

	_, err = keyringEntry("aws")
	assert.Error(t, err)
}
