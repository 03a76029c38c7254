package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupConfig(t *testing.T) {
	cval1 := "fubble"
	tmpDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(tmpDir, "config"), 0700))
	require.NoError(t, os.WriteFile(
		filepath.Join(tmpDir, "config", "config.toml"),
		[]byte("boo = \""+cval1+"\"\n"),
		0600,
	))

	viper.Reset()
	defer viper.Reset()

	var seen string
	cmd := &cobra.Command{
		Use: "reader",
		RunE: func(cmd *cobra.Command, args []string) error {
			seen = viper.GetString("boo")
			return nil
		},
	}
	cmd.Flags().String("boo", "", "some test value")

	exec := PrepareBaseCmd(cmd, "CS_TEST", tmpDir)
	exec.Exit = func(int) { t.Fatal("unexpected exit") }
	exec.SetArgs([]string{"--home", tmpDir})

	require.NoError(t, exec.Execute())
	assert.Equal(t, cval1, seen)
}

func TestSetupConfigFlagWins(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	var seen string
	cmd := &cobra.Command{
		Use: "reader",
		RunE: func(cmd *cobra.Command, args []string) error {
			seen = viper.GetString("boo")
			return nil
		},
	}
	cmd.Flags().String("boo", "", "some test value")

	exec := PrepareBaseCmd(cmd, "CS_TEST", t.TempDir())
	exec.Exit = func(int) { t.Fatal("unexpected exit") }
	exec.SetArgs([]string{"--boo", "flag"})

	require.NoError(t, exec.Execute())
	assert.Equal(t, "flag", seen)
}
