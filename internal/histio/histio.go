// Package histio reads sample files and reads/writes the textual histogram format.
//
// Sample sources are whitespace-separated decimal numbers. Histograms are
// written one bin per line, either as "count" or as "index: count" with a
// 1-based index, in ascending bin order.
package histio

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	apperrors "github.com/parallel-histogram/pkg/errors"
	"github.com/parallel-histogram/pkg/model"
)

const maxTokenSize = 1024 * 1024

// ReadSamples reads every number from r. A token that is not a finite
// decimal number fails the whole read.
func ReadSamples(r io.Reader) ([]float64, error) {
	return readSamples(r, 0)
}

func readSamples(r io.Reader, sizeHint int) ([]float64, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxTokenSize)
	scanner.Split(bufio.ScanWords)

	samples := make([]float64, 0, sizeHint)
	for scanner.Scan() {
		tok := scanner.Text()
		x, err := strconv.ParseFloat(tok, 64)
		if err != nil || math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, apperrors.Newf(apperrors.CodeIOFailure,
				"malformed number %q at token %d", tok, len(samples)+1)
		}
		samples = append(samples, x)
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeIOFailure, "read samples", err)
	}
	return samples, nil
}

// ReadSamplesFile reads every number from the file at path. The file's line
// count is used to size the result up front.
func ReadSamplesFile(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeIOFailure, "open "+path, err)
	}
	defer f.Close()

	lines, err := CountLines(f)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeIOFailure, "count lines of "+path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeIOFailure, "rewind "+path, err)
	}

	samples, err := readSamples(f, lines)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return samples, nil
}

// CountLines returns the number of newline characters in r.
func CountLines(r io.Reader) (int, error) {
	buf := make([]byte, 32*1024)
	count := 0
	for {
		n, err := r.Read(buf)
		count += bytes.Count(buf[:n], []byte{'\n'})
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return count, err
		}
	}
}

// WriteHistogram writes h to w, one bin per line.
func WriteHistogram(w io.Writer, h model.Histogram, withBinNumbers bool) error {
	bw := bufio.NewWriter(w)
	for i, c := range h {
		var err error
		if withBinNumbers {
			_, err = fmt.Fprintf(bw, "%d: %d\n", i+1, c)
		} else {
			_, err = fmt.Fprintf(bw, "%d\n", c)
		}
		if err != nil {
			return apperrors.Wrap(apperrors.CodeIOFailure, "write histogram", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return apperrors.Wrap(apperrors.CodeIOFailure, "flush histogram", err)
	}
	return nil
}

// FormatHistogram renders h in the textual format.
func FormatHistogram(h model.Histogram, withBinNumbers bool) []byte {
	var buf bytes.Buffer
	_ = WriteHistogram(&buf, h, withBinNumbers)
	return buf.Bytes()
}

// ReadHistogram reads a histogram in either textual format. Blank lines are
// ignored. Bin-numbered lines are accepted in file order; the numbers are not
// used to reorder bins.
func ReadHistogram(r io.Reader) (model.Histogram, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxTokenSize)

	var h model.Histogram
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if idx := strings.IndexByte(line, ':'); idx >= 0 {
			line = strings.TrimSpace(line[idx+1:])
		}
		c, err := strconv.ParseUint(line, 10, 64)
		if err != nil {
			return nil, apperrors.Newf(apperrors.CodeIOFailure, "malformed count %q on line %d", line, lineNo)
		}
		h = append(h, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeIOFailure, "read histogram", err)
	}
	return h, nil
}
