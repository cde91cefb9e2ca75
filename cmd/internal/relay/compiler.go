package relay

import (
	"fmt"
	"strings"

	v1 "github.com/server-elo/collab/contracts/collab/v1"
)

// Compile runs a lightweight static check over Solidity source. It is not a
// real compiler: it catches the structural mistakes an editor wants flagged
// live (unbalanced delimiters, unterminated strings, missing pragma) and
// produces a crude gas estimate so the UI has something to display.
func Compile(req v1.CompileRequestPayload) v1.CompileResultPayload {
	out := v1.CompileResultPayload{
		RequestID: req.RequestID,
		Errors:    []string{},
		Warnings:  []string{},
	}

	src := req.Source
	if strings.TrimSpace(src) == "" {
		out.Errors = append(out.Errors, "empty source")
		return out
	}

	if !strings.Contains(src, "pragma solidity") {
		out.Warnings = append(out.Warnings, "missing pragma solidity directive")
	}

	checkBalance(src, &out)

	if len(out.Errors) == 0 {
		out.Success = true
		out.GasEstimate = estimateGas(src, req.Optimize)
	}
	return out
}

// checkBalance scans the source once, tracking string/comment state so
// delimiters inside literals and comments are ignored.
func checkBalance(src string, out *v1.CompileResultPayload) {
	type frame struct {
		ch   rune
		line int
	}

	var (
		stack       []frame
		line        = 1
		inLine      bool // inside a // comment
		inBlock     bool // inside a /* */ comment
		inString    bool
		stringOpen  rune
		stringLine  int
		escapeNext  bool
		runes       = []rune(src)
	)

	closerFor := map[rune]rune{'{': '}', '(': ')', '[': ']'}
	openerFor := map[rune]rune{'}': '{', ')': '(', ']': '['}

	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if c == '\n' {
			line++
			inLine = false
			if inString {
				out.Errors = append(out.Errors, fmt.Sprintf("line %d: unterminated string", stringLine))
				inString = false
			}
			continue
		}

		if inLine {
			continue
		}
		if inBlock {
			if c == '*' && i+1 < len(runes) && runes[i+1] == '/' {
				inBlock = false
				i++
			}
			continue
		}
		if inString {
			if escapeNext {
				escapeNext = false
				continue
			}
			switch c {
			case '\\':
				escapeNext = true
			case stringOpen:
				inString = false
			}
			continue
		}

		switch c {
		case '/':
			if i+1 < len(runes) {
				switch runes[i+1] {
				case '/':
					inLine = true
					i++
				case '*':
					inBlock = true
					i++
				}
			}
		case '"', '\'':
			inString = true
			stringOpen = c
			stringLine = line
		case '{', '(', '[':
			stack = append(stack, frame{ch: c, line: line})
		case '}', ')', ']':
			want := openerFor[c]
			if len(stack) == 0 || stack[len(stack)-1].ch != want {
				out.Errors = append(out.Errors, fmt.Sprintf("line %d: unexpected %q", line, c))
				continue
			}
			stack = stack[:len(stack)-1]
		}
	}

	if inString {
		out.Errors = append(out.Errors, fmt.Sprintf("line %d: unterminated string", stringLine))
	}
	for _, f := range stack {
		out.Errors = append(out.Errors, fmt.Sprintf("line %d: unclosed %q", f.line, closerFor[f.ch]))
	}
}

// estimateGas is a coarse heuristic: a deployment base cost plus per-construct
// weights. Optimization shaves a flat fraction off.
func estimateGas(src string, optimize bool) int64 {
	const deployBase = 21_000

	gas := int64(deployBase)
	gas += 200 * int64(strings.Count(src, "function"))
	gas += 750 * int64(strings.Count(src, "mapping"))
	gas += 500 * int64(strings.Count(src, "storage"))
	gas += 150 * int64(strings.Count(src, "emit"))
	gas += 50 * int64(strings.Count(src, "require"))
	gas += int64(len(src) / 16)

	if optimize {
		gas -= gas / 10
	}
	return gas
}
