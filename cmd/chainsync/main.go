package main

import (
	"os"
	"path/filepath"

	"github.com/tendermint/chainsync/cmd/chainsync/commands"
	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/libs/cli"
)

func main() {
	conf := config.DefaultConfig()

	rcmd := commands.RootCommand(conf)
	rcmd.AddCommand(
		commands.MakeInitFilesCommand(conf),
		commands.MakeShowNodeIDCommand(conf),
		commands.MakeVersionCommand(),
		commands.NewRunNodeCmd(conf),
	)

	executor := cli.PrepareBaseCmd(rcmd, "CS", os.ExpandEnv(filepath.Join("$HOME", config.DefaultHomeDir)))
	_ = executor.Execute()
}
