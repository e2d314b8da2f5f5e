// Package csvdata reads the measurement-game input CSVs. Rows may contain
// bracketed inner arrays ("[1, 2, 3]") which encoding/csv cannot tokenize,
// so splitting is done with the same consuming-regex scheme the upstream
// data-processing stage emits for.
package csvdata

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

var (
	fieldPattern  = regexp.MustCompile(`(\[[^\]]*\]|[^,]+),?`)
	simplePattern = regexp.MustCompile(`([^,]+),?`)
)

func stripSpaces(s string) string {
	return strings.ReplaceAll(s, " ", "")
}

// SplitLine tokenizes one data line, keeping bracketed arrays whole.
// Whitespace is stripped first.
func SplitLine(line string) []string {
	return split(line, fieldPattern)
}

// SplitHeader tokenizes the header line (no bracket support).
func SplitHeader(line string) []string {
	return split(line, simplePattern)
}

func split(line string, pattern *regexp.Regexp) []string {
	line = stripSpaces(line)
	matches := pattern.FindAllStringSubmatch(line, -1)
	tokens := make([]string, 0, len(matches))
	for _, m := range matches {
		tokens = append(tokens, m[1])
	}
	return tokens
}

// ReadFile streams a headered CSV, calling row for every data line with the
// parsed header and line tokens. lineNo is 1-based over data rows.
func ReadFile(path string, row func(lineNo int, header, parts []string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cannot open input %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<24)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("cannot read header of %s: %w", path, err)
		}
		return fmt.Errorf("input %s is empty: missing header", path)
	}
	header := SplitHeader(scanner.Text())

	lineNo := 0
	for scanner.Scan() {
		line := scanner.Text()
		if stripSpaces(line) == "" {
			continue
		}
		lineNo++
		if err := row(lineNo, header, SplitLine(line)); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("cannot read %s: %w", path, err)
	}
	return nil
}

func innerValues(field string) []string {
	field = strings.TrimPrefix(stripSpaces(field), "[")
	field = strings.TrimSuffix(field, "]")
	if field == "" {
		return nil
	}
	return strings.Split(field, ",")
}

// InnerUints parses a bracketed array of unsigned integers.
func InnerUints(field string) ([]uint64, error) {
	raw := innerValues(field)
	out := make([]uint64, 0, len(raw))
	for _, s := range raw {
		x, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as unsigned integer: %w", s, err)
		}
		out = append(out, x)
	}
	return out, nil
}

// InnerBools parses a bracketed array of booleans given as 0/1 or
// true/false.
func InnerBools(field string) ([]bool, error) {
	raw := innerValues(field)
	out := make([]bool, 0, len(raw))
	for _, s := range raw {
		switch s {
		case "0", "false":
			out = append(out, false)
		case "1", "true":
			out = append(out, true)
		default:
			return nil, fmt.Errorf("cannot parse %q as boolean", s)
		}
	}
	return out, nil
}

// ParseUint parses a scalar unsigned field.
func ParseUint(field string) (uint64, error) {
	x, err := strconv.ParseUint(stripSpaces(field), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse %q as unsigned integer: %w", field, err)
	}
	return x, nil
}

// ParseInt parses a scalar signed field.
func ParseInt(field string) (int64, error) {
	x, err := strconv.ParseInt(stripSpaces(field), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse %q as integer: %w", field, err)
	}
	return x, nil
}
