// Package diagnostics extracts structured errors from a TeX engine log.
//
// The parser never fails: empty, truncated or malformed logs simply yield fewer
// diagnostics. An empty result says nothing about success; the executor decides
// that from the exit code and the presence of the artifact.
package diagnostics

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"

	"github.com/dontdude/goxtex/internal/domain"
)

const (
	errorMarker      = "!"
	defaultLookahead = 8
	// Lines longer than this are truncated; the rest of the log is still parsed.
	maxLineBytes = 64 * 1024
)

// lineRef matches TeX's context line, e.g. "l.12 \badmacro".
var lineRef = regexp.MustCompile(`^l\.(\d+)\b`)

// Parser scans logs for error markers. The zero value is not usable; use New.
type Parser struct {
	lookahead int
	// fileLineError matches "-file-line-error" style lines for the source file,
	// e.g. "./main.tex:12: Undefined control sequence."
	fileLineError *regexp.Regexp
}

// New returns a parser for logs produced from sourceFile, looking ahead up to
// lookahead lines for a line reference. Non-positive lookahead uses the default.
func New(sourceFile string, lookahead int) *Parser {
	if lookahead <= 0 {
		lookahead = defaultLookahead
	}
	return &Parser{
		lookahead:     lookahead,
		fileLineError: regexp.MustCompile(`^(?:\./)?` + regexp.QuoteMeta(sourceFile) + `:(\d+):\s*(.*)$`),
	}
}

// Parse returns diagnostics in the order they appear in log.
func (p *Parser) Parse(log string) []domain.Diagnostic {
	lines := splitLines(log)
	diags := make([]domain.Diagnostic, 0)

	for i := 0; i < len(lines); i++ {
		line := lines[i]

		if m := p.fileLineError.FindStringSubmatch(line); m != nil {
			if msg := strings.TrimSpace(m[2]); msg != "" {
				diags = append(diags, domain.Diagnostic{Message: msg, Line: atoiPtr(m[1])})
			}
			continue
		}

		if !strings.HasPrefix(line, errorMarker) {
			continue
		}
		msg := strings.TrimSpace(strings.TrimPrefix(line, errorMarker))
		if msg == "" {
			continue
		}

		d := domain.Diagnostic{Message: msg}
		for j := i + 1; j < len(lines) && j <= i+p.lookahead; j++ {
			next := lines[j]
			if strings.HasPrefix(next, errorMarker) {
				break
			}
			if m := lineRef.FindStringSubmatch(next); m != nil {
				d.Line = atoiPtr(m[1])
				break
			}
		}
		diags = append(diags, d)
	}

	return diags
}

var defaultParser = New("main.tex", defaultLookahead)

// Parse runs the default parser for a "main.tex" source file.
func Parse(log string) []domain.Diagnostic {
	return defaultParser.Parse(log)
}

func splitLines(log string) []string {
	var lines []string
	r := bufio.NewReader(strings.NewReader(log))
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			break
		}
		if room := maxLineBytes - len(line); room > 0 {
			if len(chunk) > room {
				chunk = chunk[:room]
			}
			line = append(line, chunk...)
		}
		if isPrefix {
			continue
		}
		lines = append(lines, strings.TrimRight(string(line), "\r"))
		line = line[:0]
	}
	return lines
}

func atoiPtr(s string) *int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return nil
	}
	return &n
}
