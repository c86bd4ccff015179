package session

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/hivesync/hive/internal/dbx"
)

const viewerRule = "----------------------------------------"

// ViewOptions parameterizes View (spec.md §4.H).
type ViewOptions struct {
	Path    string
	Line    int // 1-based
	Context int // lines of context on each side; default 3
}

// View reads path and returns a deterministic formatted block centered on
// Line, matching spec.md §4.H and scenario S4 exactly:
//
//	File: <path>
//	Line: <n> (context: <k>)
//	---------------------------------------- (40 dashes)
//	{marker}{line padded to 5} | {text}
//	...
//	----------------------------------------
func View(opts ViewOptions) (string, error) {
	context := opts.Context
	if context == 0 {
		context = 3
	}

	lines, err := readLines(opts.Path)
	if err != nil {
		return "", err
	}
	n := len(lines)
	if opts.Line < 1 || opts.Line > n {
		return "", dbx.NewError("view", dbx.KindOutOfRange,
			fmt.Errorf("line %d out of range 1..%d", opts.Line, n))
	}

	start := opts.Line - context
	if start < 1 {
		start = 1
	}
	end := opts.Line + context
	if end > n {
		end = n
	}

	var b strings.Builder
	fmt.Fprintf(&b, "File: %s\n", opts.Path)
	fmt.Fprintf(&b, "Line: %d (context: %d)\n", opts.Line, context)
	b.WriteString(viewerRule)
	b.WriteByte('\n')
	for i := start; i <= end; i++ {
		marker := byte(' ')
		if i == opts.Line {
			marker = '>'
		}
		fmt.Fprintf(&b, "%c%5d | %s\n", marker, i, lines[i-1])
	}
	b.WriteString(viewerRule)
	return b.String(), nil
}

// readLines reads path into lines, dropping empty trailing lines as
// spec.md §4.H requires.
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines, nil
}
