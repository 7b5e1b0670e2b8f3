package action

import (
	"errors"
	"reflect"
	"testing"
)

func TestLexWords(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    []string
	}{
		{"simple", "git log --oneline", []string{"git", "log", "--oneline"}},
		{"extra whitespace", "  ls   -la\t/tmp ", []string{"ls", "-la", "/tmp"}},
		{"single quotes literal", `echo 'hello world'`, []string{"echo", "hello world"}},
		{"double quotes", `echo "hello world"`, []string{"echo", "hello world"}},
		{"escaped space", `cat my\ file`, []string{"cat", "my file"}},
		{"escaped quote in double quotes", `echo "say \"hi\""`, []string{"echo", `say "hi"`}},
		{"dollar kept literal", `echo "$HOME"`, []string{"echo", "$HOME"}},
		{"pipe inside quotes is a word", `grep 'a|b' f`, []string{"grep", "a|b", "f"}},
		{"empty", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens, err := Lex(tt.command)
			if err != nil {
				t.Fatalf("Lex(%q) error = %v", tt.command, err)
			}
			if got := Words(tokens); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Words(Lex(%q)) = %v, want %v", tt.command, got, tt.want)
			}
		})
	}
}

func TestLexOperators(t *testing.T) {
	tokens, err := Lex(`git log | rg foo && echo done; ls > out.txt`)
	if err != nil {
		t.Fatalf("Lex() error = %v", err)
	}
	if !HasOperator(tokens) {
		t.Fatal("HasOperator() = false, want true")
	}

	var ops []string
	for _, tok := range tokens {
		if tok.Op {
			ops = append(ops, tok.Text)
		}
	}
	if want := []string{"|", "&&", ";", ">"}; !reflect.DeepEqual(ops, want) {
		t.Errorf("operators = %v, want %v", ops, want)
	}

	clean, err := Lex(`git commit -m "all done && shipped"`)
	if err != nil {
		t.Fatalf("Lex() error = %v", err)
	}
	if HasOperator(clean) {
		t.Error("quoted operators should not count as operators")
	}
}

func TestLexErrors(t *testing.T) {
	if _, err := Lex(`echo 'unclosed`); !errors.Is(err, ErrUnclosedQuote) {
		t.Errorf("unclosed single quote error = %v, want ErrUnclosedQuote", err)
	}
	if _, err := Lex(`echo "unclosed`); !errors.Is(err, ErrUnclosedQuote) {
		t.Errorf("unclosed double quote error = %v, want ErrUnclosedQuote", err)
	}
	if _, err := Lex(`echo trailing\`); !errors.Is(err, ErrTrailingBackslash) {
		t.Errorf("trailing backslash error = %v, want ErrTrailingBackslash", err)
	}
}

func TestCommandBins(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    []string
	}{
		{"single", "git status", []string{"git"}},
		{"pipeline", "git log | rg foo | head -3", []string{"git", "rg", "head"}},
		{"and or chains", "make build && make test || echo failed", []string{"make", "echo"}},
		{"semicolon", "cd /tmp; ls", []string{"cd", "ls"}},
		{"redirect does not start command", "sort < in.txt > out.txt", []string{"sort"}},
		{"absolute path basename", "/usr/bin/git status", []string{"git"}},
		{"dedup", "git pull && git push", []string{"git"}},
		{"subshell", "(git status)", []string{"git"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens, err := Lex(tt.command)
			if err != nil {
				t.Fatalf("Lex(%q) error = %v", tt.command, err)
			}
			if got := CommandBins(tokens); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("CommandBins(%q) = %v, want %v", tt.command, got, tt.want)
			}
		})
	}
}

func TestLeadingBin(t *testing.T) {
	tokens, err := Lex("/usr/local/bin/python -V")
	if err != nil {
		t.Fatalf("Lex() error = %v", err)
	}
	if got := LeadingBin(tokens); got != "python" {
		t.Errorf("LeadingBin() = %q, want python", got)
	}
	if got := LeadingBin(nil); got != "" {
		t.Errorf("LeadingBin(nil) = %q, want empty", got)
	}
}
