package gguf

import "errors"

var (
	// ErrFormat marks a file that is not a well-formed GGUF container:
	// wrong magic, unknown version, or a truncated or malformed header.
	ErrFormat = errors.New("gguf: invalid file format")

	// ErrUnsupportedTensorType marks a tensor directory entry whose type
	// code has no codec in this engine. The whole load fails.
	ErrUnsupportedTensorType = errors.New("gguf: unsupported tensor type")

	// ErrCorrupt marks structurally valid files whose tensor data does not
	// add up: offsets past the end of the file, misaligned data, sizes
	// that disagree with the block geometry, duplicate tensor names.
	ErrCorrupt = errors.New("gguf: corrupt model data")
)
