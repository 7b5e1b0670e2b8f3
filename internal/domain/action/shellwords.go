package action

import (
	"errors"
	"path"
	"strings"
)

// Shell lexing errors.
var (
	ErrUnclosedQuote     = errors.New("shellwords: unclosed quote")
	ErrTrailingBackslash = errors.New("shellwords: trailing backslash")
)

// Token is a lexed shell word or an unquoted operator.
type Token struct {
	Text string
	Op   bool
}

// Lex splits a command string the way a POSIX shell would tokenize it,
// without any expansion. Single quotes are literal, double quotes honor
// backslash escapes, and the unquoted characters | & ; < > ( ) form
// operator tokens (doubled for || && >>). Quoting is strict: an
// unclosed quote or dangling backslash is an error, never a guess.
func Lex(command string) ([]Token, error) {
	var (
		tokens  []Token
		word    strings.Builder
		inWord  bool
		runes   = []rune(command)
		n       = len(runes)
		flushed = func() {
			if inWord {
				tokens = append(tokens, Token{Text: word.String()})
				word.Reset()
				inWord = false
			}
		}
	)

	for i := 0; i < n; i++ {
		c := runes[i]
		switch {
		case c == '\'':
			inWord = true
			j := i + 1
			for j < n && runes[j] != '\'' {
				word.WriteRune(runes[j])
				j++
			}
			if j >= n {
				return nil, ErrUnclosedQuote
			}
			i = j
		case c == '"':
			inWord = true
			j := i + 1
			for j < n && runes[j] != '"' {
				if runes[j] == '\\' && j+1 < n {
					next := runes[j+1]
					if next == '"' || next == '\\' || next == '$' || next == '`' {
						word.WriteRune(next)
						j += 2
						continue
					}
				}
				word.WriteRune(runes[j])
				j++
			}
			if j >= n {
				return nil, ErrUnclosedQuote
			}
			i = j
		case c == '\\':
			if i+1 >= n {
				return nil, ErrTrailingBackslash
			}
			inWord = true
			word.WriteRune(runes[i+1])
			i++
		case c == ' ' || c == '\t' || c == '\n':
			flushed()
		case c == '|' || c == '&':
			flushed()
			op := string(c)
			if i+1 < n && runes[i+1] == c {
				op += string(c)
				i++
			}
			tokens = append(tokens, Token{Text: op, Op: true})
		case c == '>':
			flushed()
			op := ">"
			if i+1 < n && runes[i+1] == '>' {
				op = ">>"
				i++
			}
			tokens = append(tokens, Token{Text: op, Op: true})
		case c == ';' || c == '<' || c == '(' || c == ')':
			flushed()
			tokens = append(tokens, Token{Text: string(c), Op: true})
		default:
			inWord = true
			word.WriteRune(c)
		}
	}
	flushed()
	return tokens, nil
}

// HasOperator reports whether any unquoted shell operator was lexed.
func HasOperator(tokens []Token) bool {
	for _, t := range tokens {
		if t.Op {
			return true
		}
	}
	return false
}

// Words returns the non-operator token texts in order.
func Words(tokens []Token) []string {
	var out []string
	for _, t := range tokens {
		if !t.Op {
			out = append(out, t.Text)
		}
	}
	return out
}

// CommandBins returns the basename of the executable at every command
// position: the first word, and the first word after each |, ||, &&,
// ;, & or ( operator. Redirection operators do not start a new command.
// The result is deduplicated in first-seen order.
func CommandBins(tokens []Token) []string {
	var (
		bins    []string
		seen    = make(map[string]struct{})
		expectC = true
	)
	for _, t := range tokens {
		if t.Op {
			switch t.Text {
			case "|", "||", "&&", ";", "&", "(":
				expectC = true
			}
			continue
		}
		if expectC {
			bin := path.Base(t.Text)
			if bin != "" && bin != "." && bin != "/" {
				if _, ok := seen[bin]; !ok {
					seen[bin] = struct{}{}
					bins = append(bins, bin)
				}
			}
			expectC = false
		}
	}
	return bins
}

// LeadingBin returns the basename of the first word, or "" when the
// command has no words.
func LeadingBin(tokens []Token) string {
	for _, t := range tokens {
		if !t.Op {
			return path.Base(t.Text)
		}
	}
	return ""
}
