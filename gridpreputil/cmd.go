/*
Copyright © 2024 the gridprep authors.
This file is part of gridprep.

gridprep is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

gridprep is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with gridprep.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package gridpreputil holds the commands of the gridprep command-line
// tool.
package gridpreputil

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/spatialstats/gridprep"
	"github.com/spatialstats/gridprep/internal/chunkstore"
)

var log = logrus.StandardLogger()

// Root is the main command.
var Root = &cobra.Command{
	Use:   "gridprep",
	Short: "gridprep prepares gridded geophysical datasets for analysis",
	Long: `gridprep stages gridded NetCDF datasets into chunked local storage
and runs data preparation pipelines (resampling, running means, anomalies,
detrending, area weighting, standardization, and EOF projection) over them
without holding the full dataset in memory.`,
	SilenceUsage: true,
}

var transferCmd = &cobra.Command{
	Use:   "transfer",
	Short: "Stream a NetCDF variable into a chunked store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openOrCreateStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		log.WithFields(logrus.Fields{
			"input": cfg.InputFile,
			"var":   cfg.VarName,
			"store": cfg.StoreDir,
			"group": cfg.Group,
		}).Info("transferring variable to chunked store")
		return gridprep.Transfer(cfg.InputFile, cfg.VarName, store, cfg.Group)
	},
}

var describeCmd = &cobra.Command{
	Use:   "describe",
	Short: "Summarize a variable previously placed in a chunked store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := chunkstore.Open(cfg.StoreDir)
		if err != nil {
			return err
		}
		defer store.Close()
		gd, err := gridprep.FromChunkedStore(store, cfg.Group, cfg.VarName, nil)
		if err != nil {
			return err
		}
		defer gd.Close()
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "variable:   %s\n", cfg.VarName)
		fmt.Fprintf(w, "full shape: %v\n", gd.FullShape())
		fmt.Fprintf(w, "samples:    %d\n", gd.NumSamples())
		fmt.Fprintf(w, "masked:     %v\n", gd.IsMasked())
		fmt.Fprintf(w, "valid:      %d\n", gd.NumValid())
		fmt.Fprintf(w, "stage:      %s\n", gd.CurrentKey())
		return nil
	},
}

var prepCmd = &cobra.Command{
	Use:   "prep",
	Short: "Run the configured preparation pipeline",
	Long: `prep loads the configured variable from the chunked store (staging it
from the NetCDF archive first if it is not there yet), applies the pipeline
stages listed in the configuration file in order, and writes a snapshot of
the resulting object.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openOrCreateStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if _, err := store.OpenBin(cfg.Group, cfg.VarName); err != nil {
			log.WithField("var", cfg.VarName).Info("variable not staged yet; transferring")
			if err := gridprep.Transfer(cfg.InputFile, cfg.VarName, store, cfg.Group); err != nil {
				return err
			}
		}
		gd, err := gridprep.FromChunkedStore(store, cfg.Group, cfg.VarName, nil)
		if err != nil {
			return err
		}
		defer gd.Close()

		for _, st := range cfg.Stage {
			log.WithField("op", st.Op).Info("applying pipeline stage")
			if err := runStage(gd, st); err != nil {
				return err
			}
		}

		if cfg.SnapshotFile != "" {
			f, err := os.Create(cfg.SnapshotFile)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := gd.Save(f); err != nil {
				return err
			}
			log.WithField("file", cfg.SnapshotFile).Info("wrote snapshot")
		}
		return nil
	},
}

// addStoreFlags registers the flags shared by every subcommand.
func addStoreFlags(fs *pflag.FlagSet) {
	fs.String("input", "", "NetCDF archive to read")
	fs.String("var", "", "variable name")
	fs.String("store", "", "chunked store directory")
	fs.String("group", "", "store group to work under")
	fs.String("codec", "zstd", "chunk compression codec (raw, zstd, or lz4)")
}

func init() {
	Root.PersistentFlags().String("config", "", "configuration file location")
	for _, cmd := range []*cobra.Command{transferCmd, describeCmd, prepCmd} {
		addStoreFlags(cmd.Flags())
		Root.AddCommand(cmd)
	}
}

func openOrCreateStore(cfg *Config) (*chunkstore.Store, error) {
	if _, err := os.Stat(cfg.StoreDir); err == nil {
		return chunkstore.Open(cfg.StoreDir)
	}
	codec, err := chunkstore.CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	return chunkstore.Create(cfg.StoreDir, codec)
}
