// Package writer writes run reports and ledger listings as JSON, optionally
// compressed.
package writer

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/parallel-histogram/pkg/compression"
)

// JSONWriter writes data as JSON.
type JSONWriter[T any] struct {
	// Indent specifies the indentation for pretty printing.
	// Empty string means compact output.
	Indent string
}

// NewJSONWriter creates a new JSON writer with compact output.
func NewJSONWriter[T any]() *JSONWriter[T] {
	return &JSONWriter[T]{Indent: ""}
}

// NewPrettyJSONWriter creates a JSON writer with pretty printing.
func NewPrettyJSONWriter[T any]() *JSONWriter[T] {
	return &JSONWriter[T]{Indent: "  "}
}

// Write writes the data as JSON to the writer.
func (w *JSONWriter[T]) Write(data T, writer io.Writer) error {
	encoder := json.NewEncoder(writer)
	if w.Indent != "" {
		encoder.SetIndent("", w.Indent)
	}
	return encoder.Encode(data)
}

// WriteToFile writes the data as JSON to a file. The file is written next to
// its destination and renamed into place.
func (w *JSONWriter[T]) WriteToFile(data T, path string) error {
	return writeFileAtomic(path, func(f io.Writer) error {
		return w.Write(data, f)
	})
}

// CompressedWriter writes data as compressed JSON.
type CompressedWriter[T any] struct {
	Type  compression.Type
	Level compression.Level
}

// NewCompressedWriter creates a compressed JSON writer with the default level.
func NewCompressedWriter[T any](t compression.Type) *CompressedWriter[T] {
	return &CompressedWriter[T]{Type: t, Level: compression.LevelDefault}
}

// Write writes the data as compressed JSON to the writer.
func (w *CompressedWriter[T]) Write(data T, writer io.Writer) error {
	cw, err := compression.NewWriter(writer, w.Type, w.Level)
	if err != nil {
		return fmt.Errorf("failed to create %s writer: %w", w.Type, err)
	}
	if err := json.NewEncoder(cw).Encode(data); err != nil {
		cw.Close()
		return fmt.Errorf("failed to encode data: %w", err)
	}
	return cw.Close()
}

// WriteToFile writes the data as compressed JSON to a file.
func (w *CompressedWriter[T]) WriteToFile(data T, path string) error {
	return writeFileAtomic(path, func(f io.Writer) error {
		return w.Write(data, f)
	})
}

// Writer is implemented by JSONWriter and CompressedWriter.
type Writer[T any] interface {
	Write(data T, writer io.Writer) error
	WriteToFile(data T, path string) error
}

// ForPath picks the writer matching the extension of path: ".gz" and ".zst"
// are compressed, anything else is pretty-printed JSON.
func ForPath[T any](path string) Writer[T] {
	switch {
	case strings.HasSuffix(path, compression.TypeGzip.Extension()):
		return NewCompressedWriter[T](compression.TypeGzip)
	case strings.HasSuffix(path, compression.TypeZstd.Extension()):
		return NewCompressedWriter[T](compression.TypeZstd)
	default:
		return NewPrettyJSONWriter[T]()
	}
}

func writeFileAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("failed to chmod file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
