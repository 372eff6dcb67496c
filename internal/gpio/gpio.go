// Package gpio exposes character-device GPIO lines as button level sources.
package gpio

import (
	"errors"
	"fmt"

	gpiod "github.com/warthog618/go-gpiocdev"
)

// Line is one pulled-up input. Level reports true while the line is high.
type Line struct {
	line *gpiod.Line
}

// Level implements button.LevelSource.
func (l *Line) Level() (bool, error) {
	v, err := l.line.Value()
	if err != nil {
		return true, err
	}
	return v == 1, nil
}

// Buttons owns a chip and the input lines requested from it.
type Buttons struct {
	chip  *gpiod.Chip
	lines []*Line
}

// Open requests every offset on chipName as a pulled-up input.
func Open(chipName string, offsets []int) (*Buttons, error) {
	chip, err := gpiod.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open chip %s: %w", chipName, err)
	}

	b := &Buttons{chip: chip}
	for _, offset := range offsets {
		line, err := chip.RequestLine(offset, gpiod.AsInput, gpiod.WithPullUp)
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("request line %d: %w", offset, err)
		}
		b.lines = append(b.lines, &Line{line: line})
	}
	return b, nil
}

// Lines returns the opened lines in offset order.
func (b *Buttons) Lines() []*Line {
	return b.lines
}

// Close releases every line and the chip.
func (b *Buttons) Close() error {
	var errs []error
	for _, l := range b.lines {
		if err := l.line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close line: %w", err))
		}
	}
	b.lines = nil

	if b.chip != nil {
		if err := b.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		b.chip = nil
	}
	return errors.Join(errs...)
}
