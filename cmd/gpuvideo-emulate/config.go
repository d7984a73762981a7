package main

import (
	"fmt"
	"io"
	"os"

	"github.com/xaionaro-go/gpuvideo/codec"
	"github.com/xaionaro-go/gpuvideo/hw"
	"github.com/xaionaro-go/gpuvideo/ratecontrol"
	"github.com/xaionaro-go/gpuvideo/types"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Encoder codec.EncoderDescription `yaml:"encoder"`
	Frames  uint64                   `yaml:"frames"`
}

func defaultConfig() Config {
	return Config{
		Encoder: codec.EncoderDescription{
			Codec: types.CodecH264,
			EncodeSettings: codec.EncodeSettings{
				Profile:     types.ProfileH264Main,
				InputFormat: types.PixelFormatNV12,
				Resolution:  types.Resolution{Width: 1280, Height: 720},
				FrameRate:   types.Rational{Num: 30, Den: 1},
				RateControl: ratecontrol.Config{RateControl: ratecontrol.ConstantQP{I: 24, P: 26, B: 28}},
				GOP: hw.GOPStructure{
					IDRPeriod:          60,
					IPPeriod:           1,
					MaxReferenceFrames: 2,
				},
			},
		},
		Frames: 120,
	}
}

// readConfig overlays the YAML document over the default config.
func readConfig(r io.Reader) (Config, error) {
	cfg := defaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("unable to decode the config: %w", err)
	}
	return cfg, nil
}

func loadConfig(path string) (Config, error) {
	if path == "" {
		return defaultConfig(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("unable to open '%s': %w", path, err)
	}
	defer f.Close()
	return readConfig(f)
}
