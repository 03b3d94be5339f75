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

package gridpreputil

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/spatialstats/gridprep"
)

// Config holds the configuration of the gridprep tool. Values given as
// command-line flags override the configuration file.
type Config struct {
	// InputFile is the NetCDF archive to stage data from.
	InputFile string

	// VarName is the variable to operate on.
	VarName string

	// StoreDir is the chunked store directory. It is created on first
	// use with the configured Codec.
	StoreDir string

	// Group is the store group databins are placed under.
	Group string

	// Codec is the chunk compression codec: raw, zstd, or lz4.
	Codec string

	// SnapshotFile, when set, is where the prep command saves the
	// finished object.
	SnapshotFile string

	// Stage lists the pipeline stages the prep command applies, in
	// order.
	Stage []StageConfig
}

// StageConfig configures one pipeline stage.
type StageConfig struct {
	// Op names the operation: resample, runmean, anomaly, detrend,
	// areaweight, standardize, or eof.
	Op string

	// Key names the resulting databin for a resample stage.
	Key string

	// BlockSize is the number of consecutive samples averaged per
	// resampled output sample.
	BlockSize int

	// Shift is the number of leading samples a resample stage discards.
	Shift int

	// Window is the running-mean window length in samples.
	Window int

	// YearLen is the number of samples per year, used by the runmean
	// and anomaly stages. Defaults to 1.
	YearLen int

	// UseSqrt makes an areaweight stage apply square-root weights.
	UseSqrt bool

	// NumEOFs is the number of modes an eof stage retains.
	NumEOFs int
}

// loadConfig reads the configuration file named by --config, if any, and
// merges the command's flags over it.
func loadConfig(cmd *cobra.Command) (*Config, error) {
	cfg := &Config{Codec: "zstd"}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("gridprep: opening configuration file: %v", err)
		}
		defer f.Close()
		if _, err := toml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("gridprep: reading configuration file %s: %v", path, err)
		}
	}
	flagStrs := map[string]*string{
		"input": &cfg.InputFile,
		"var":   &cfg.VarName,
		"store": &cfg.StoreDir,
		"group": &cfg.Group,
	}
	for name, dst := range flagStrs {
		if v, _ := cmd.Flags().GetString(name); v != "" {
			*dst = v
		}
	}
	if cmd.Flags().Changed("codec") {
		cfg.Codec, _ = cmd.Flags().GetString("codec")
	}
	if cfg.Group == "" {
		cfg.Group = cfg.VarName
	}
	switch {
	case cfg.VarName == "":
		return nil, fmt.Errorf("gridprep: no variable name configured")
	case cfg.StoreDir == "":
		return nil, fmt.Errorf("gridprep: no store directory configured")
	}
	return cfg, nil
}

// runStage applies one configured pipeline stage to gd.
func runStage(gd *gridprep.GridData, st StageConfig) error {
	yearLen := st.YearLen
	if yearLen < 1 {
		yearLen = 1
	}
	switch st.Op {
	case "resample":
		key := gridprep.StageKey(st.Key)
		if key == "" {
			key = gridprep.StageResampled
		}
		return gd.Resample(key, st.BlockSize, st.Shift)
	case "runmean":
		return gd.RunningMean(st.Window, yearLen)
	case "anomaly":
		return gd.Anomaly(yearLen, nil)
	case "detrend":
		return gd.Detrend()
	case "areaweight":
		return gd.AreaWeight(st.UseSqrt)
	case "standardize":
		return gd.Standardize(nil)
	case "eof":
		return gd.EOFProject(st.NumEOFs, nil, "", "")
	}
	return fmt.Errorf("gridprep: unknown pipeline stage %q", st.Op)
}
