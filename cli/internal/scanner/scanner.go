// Package scanner discovers JSONL log files under configured root
// directories and streams their lines lazily in file-then-line order.
package scanner

import (
	"bufio"
	"bytes"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
)

// Line is one complete log line together with its origin.
type Line struct {
	File   string
	Number int // 1-based line number within File
	Text   []byte
}

// Warning records a root or file that could not be read. Warnings never
// abort a scan; remaining roots and files are still processed.
type Warning struct {
	Path string
	Err  error
}

// Scanner streams log lines from one or more root directories.
type Scanner struct {
	roots    []string
	warnings []Warning
}

// New creates a Scanner over the given root directories.
func New(roots []string) *Scanner {
	return &Scanner{roots: roots}
}

// DefaultRoots returns the standard log locations for this machine.
func DefaultRoots() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{
		filepath.Join(home, ".claude", "projects"),
		filepath.Join(home, ".config", "claude", "projects"),
	}
}

// Lines returns a lazy, restartable sequence of complete log lines. A
// trailing line with no newline terminator belongs to a file that is still
// being written; it is withheld and picked up complete on a later run.
// Unreadable roots or files are recorded as warnings.
func (s *Scanner) Lines() iter.Seq[Line] {
	return func(yield func(Line) bool) {
		s.warnings = s.warnings[:0]
		for _, root := range s.roots {
			files, err := s.discover(root)
			if err != nil {
				s.warnings = append(s.warnings, Warning{Path: root, Err: err})
				continue
			}
			for _, file := range files {
				if !s.streamFile(file, yield) {
					return
				}
			}
		}
	}
}

// Warnings reports the problems hit by the most recent iteration.
func (s *Scanner) Warnings() []Warning {
	return s.warnings
}

// discover walks one root for .jsonl files in lexical order.
func (s *Scanner) discover(root string) ([]string, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, err
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.warnings = append(s.warnings, Warning{Path: path, Err: err})
			return nil
		}
		if !d.IsDir() && filepath.Ext(path) == ".jsonl" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// streamFile yields every newline-terminated line of file. Returns false
// when the consumer stopped the iteration.
func (s *Scanner) streamFile(file string, yield func(Line) bool) bool {
	f, err := os.Open(file)
	if err != nil {
		s.warnings = append(s.warnings, Warning{Path: file, Err: err})
		return true
	}
	defer f.Close()

	reader := bufio.NewReaderSize(f, 64*1024)
	lineNo := 0
	for {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			// Partial trailing line: the writer has not finished it yet.
			// Leave it for the next invocation.
			return true
		}
		if err != nil {
			s.warnings = append(s.warnings, Warning{Path: file, Err: err})
			return true
		}

		lineNo++
		text := bytes.TrimRight(line, "\r\n")
		if len(text) == 0 {
			continue
		}
		if !yield(Line{File: file, Number: lineNo, Text: text}) {
			return false
		}
	}
}
