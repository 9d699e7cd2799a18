package wire

import (
	"bufio"
	"bytes"
	"io"
	"iter"
	"os"
)

// Line is one line of a line delimited stream together with its 1-based
// position in the file.
type Line struct {
	N    int
	Text []byte
}

// Lines reads the file at path line by line without ever materializing it in
// memory. The underlying file is closed when the sequence is exhausted or
// abandoned early. A file that cannot be opened yields a single error.
// A trailing newline at the end of the file does not produce an empty line.
func Lines(path string) iter.Seq2[Line, error] {
	return func(yield func(Line, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			yield(Line{}, err)
			return
		}
		defer func() {
			_ = f.Close()
		}()

		r := bufio.NewReader(f)
		for n := 1; ; n++ {
			text, err := r.ReadBytes('\n')
			text = bytes.TrimSuffix(text, []byte("\n"))
			text = bytes.TrimSuffix(text, []byte("\r"))

			if err != nil {
				if err != io.EOF {
					yield(Line{}, err)
				} else if len(text) > 0 {
					yield(Line{N: n, Text: text}, nil)
				}
				return
			}
			if !yield(Line{N: n, Text: text}, nil) {
				return
			}
		}
	}
}
