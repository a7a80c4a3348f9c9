package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDisconnectedOverlapGraph is fatal: some images have no overlap path
	// to an anchor and cannot be solved.
	ErrDisconnectedOverlapGraph = errors.New("disconnected overlap graph")

	// ErrDegenerateBand marks a band whose scale cannot be estimated. It is
	// recovered by falling back to an offset-only correction.
	ErrDegenerateBand = errors.New("degenerate band")

	// ErrEmptyOverlap marks a pair without usable pixels. It is recovered by
	// dropping the pair's constraint.
	ErrEmptyOverlap = errors.New("empty overlap")

	// ErrRasterIO wraps read or write failures of a specific image window.
	ErrRasterIO = errors.New("raster I/O failure")

	// ErrOutOfRangeOutput is returned when a corrected value does not fit the
	// output data type and the policy forbids clamping.
	ErrOutOfRangeOutput = errors.New("corrected value out of output range")
)

// DisconnectedError names the images that cannot be tied to an anchor.
type DisconnectedError struct {
	Band   int
	Images []string
}

func (e *DisconnectedError) Error() string {
	return fmt.Sprintf("%v: band %d: no overlap path to an anchor for %s",
		ErrDisconnectedOverlapGraph, e.Band+1, strings.Join(e.Images, ", "))
}

func (e *DisconnectedError) Unwrap() error { return ErrDisconnectedOverlapGraph }

// RasterIOError records which image, band and window failed.
type RasterIOError struct {
	Op     string
	Image  string
	Band   int
	Window Window
	Err    error
}

func (e *RasterIOError) Error() string {
	return fmt.Sprintf("%v: %s %s band %d window %v: %v", ErrRasterIO, e.Op, e.Image, e.Band+1, e.Window, e.Err)
}

func (e *RasterIOError) Unwrap() []error { return []error{ErrRasterIO, e.Err} }
