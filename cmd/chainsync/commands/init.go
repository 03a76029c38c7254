package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/internal/libs/confix"
	"github.com/tendermint/chainsync/types"
)

// MakeInitFilesCommand returns the command to initialize a fresh chainsync
// home directory: the config file, a node key and a genesis document.
func MakeInitFilesCommand(conf *config.Config) *cobra.Command {
	var (
		networkID  uint64
		difficulty uint64
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initializes a chainsync home directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(conf)
			if err != nil {
				return err
			}
			return initFilesWithConfig(cmd.Context(), conf, networkID, difficulty, func(msg string, kv ...interface{}) {
				logger.Info(msg, kv...)
			})
		},
	}
	cmd.Flags().Uint64Var(&networkID, "network_id", 1, "network id of a new genesis document")
	cmd.Flags().Uint64Var(&difficulty, "difficulty", 1, "difficulty of the genesis block")
	return cmd
}

func initFilesWithConfig(ctx context.Context, conf *config.Config, networkID, difficulty uint64, info func(string, ...interface{})) error {
	if err := config.EnsureRoot(conf.RootDir); err != nil {
		return err
	}

	nodeKeyFile := conf.NodeKeyFile()
	if fileExists(nodeKeyFile) {
		info("found node key", "path", nodeKeyFile)
	} else {
		if _, err := types.LoadOrGenNodeKey(nodeKeyFile); err != nil {
			return err
		}
		info("generated node key", "path", nodeKeyFile)
	}

	genFile := conf.GenesisFile()
	if fileExists(genFile) {
		info("found genesis file", "path", genFile)
	} else {
		genDoc := types.GenesisDoc{
			NetworkID:   networkID,
			GenesisTime: time.Now().UTC().Truncate(time.Second),
			Difficulty:  difficulty,
		}
		if err := genDoc.ValidateAndComplete(); err != nil {
			return fmt.Errorf("invalid genesis: %w", err)
		}
		if err := genDoc.SaveAs(genFile); err != nil {
			return err
		}
		info("generated genesis file", "path", genFile, "hash", genDoc.Hash())
	}

	// an existing config file keeps its values; settings it lacks are added
	confFile := conf.ConfigFile()
	if fileExists(confFile) {
		if err := confix.Upgrade(ctx, conf, confFile, confFile); err != nil {
			return err
		}
		info("updated config file", "path", confFile)
		return nil
	}
	if err := config.WriteConfigFile(conf.RootDir, conf); err != nil {
		return err
	}
	info("generated config file", "path", confFile)
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}
