package types

import (
	"fmt"
	"strings"
)

type Profile int

const (
	UndefinedProfile = Profile(iota)
	ProfileH264ConstrainedBaseline
	ProfileH264Main
	ProfileH264High
	ProfileH264High10
	ProfileHEVCMain
	ProfileHEVCMain10
	EndOfProfile
)

func (p Profile) Codec() Codec {
	switch p {
	case ProfileH264ConstrainedBaseline, ProfileH264Main, ProfileH264High, ProfileH264High10:
		return CodecH264
	case ProfileHEVCMain, ProfileHEVCMain10:
		return CodecHEVC
	}
	return UndefinedCodec
}

// IDC returns profile_idc (H.264) or general_profile_idc (HEVC).
func (p Profile) IDC() uint8 {
	switch p {
	case ProfileH264ConstrainedBaseline:
		return 66
	case ProfileH264Main:
		return 77
	case ProfileH264High:
		return 100
	case ProfileH264High10:
		return 110
	case ProfileHEVCMain:
		return 1
	case ProfileHEVCMain10:
		return 2
	}
	return 0
}

func (p Profile) String() string {
	switch p {
	case UndefinedProfile:
		return "<undefined>"
	case ProfileH264ConstrainedBaseline:
		return "h264-constrained-baseline"
	case ProfileH264Main:
		return "h264-main"
	case ProfileH264High:
		return "h264-high"
	case ProfileH264High10:
		return "h264-high10"
	case ProfileHEVCMain:
		return "hevc-main"
	case ProfileHEVCMain10:
		return "hevc-main10"
	default:
		return fmt.Sprintf("<unknown_profile_%d>", int(p))
	}
}

func ProfileFromString(s string) (Profile, error) {
	ls := strings.ToLower(strings.Trim(s, " "))
	for p := UndefinedProfile + 1; p < EndOfProfile; p++ {
		if p.String() == ls {
			return p, nil
		}
	}
	return UndefinedProfile, fmt.Errorf("unknown profile '%s'", s)
}

func (p Profile) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Profile) UnmarshalText(b []byte) error {
	v, err := ProfileFromString(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Level is the raw level_idc (H.264: 10*level, HEVC: 30*level).
type Level uint8

func (l Level) String() string {
	return fmt.Sprintf("%d", uint8(l))
}

// LevelFromString parses a human-readable level like "4.1" for the given codec.
func LevelFromString(codec Codec, s string) (Level, error) {
	var major, minor uint
	n, _ := fmt.Sscanf(s, "%d.%d", &major, &minor)
	if n == 0 {
		return 0, fmt.Errorf("unable to parse level '%s'", s)
	}
	switch codec {
	case CodecH264:
		return Level(major*10 + minor), nil
	case CodecHEVC:
		return Level(major*30 + minor*3), nil
	}
	return 0, fmt.Errorf("unknown codec %s", codec)
}
