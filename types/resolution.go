package types

import (
	"fmt"
)

type Resolution struct {
	Width  uint32 `yaml:"width"`
	Height uint32 `yaml:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

func (r *Resolution) Parse(s string) error {
	_, err := fmt.Sscanf(s, "%dx%d", &r.Width, &r.Height)
	if err != nil {
		return fmt.Errorf("unable to parse resolution '%s': %w", s, err)
	}
	return nil
}

func (r Resolution) IsZero() bool {
	return r.Width == 0 || r.Height == 0
}

// AlignedTo rounds both dimensions up to a multiple of the block size.
func (r Resolution) AlignedTo(block uint32) Resolution {
	return Resolution{
		Width:  (r.Width + block - 1) / block * block,
		Height: (r.Height + block - 1) / block * block,
	}
}

// InBlocks returns the amount of blocks (macroblocks, CTUs) per row and column.
func (r Resolution) InBlocks(block uint32) (columns, rows uint32) {
	a := r.AlignedTo(block)
	return a.Width / block, a.Height / block
}
