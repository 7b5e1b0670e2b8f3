package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentward/agentward/internal/domain/action"
)

// Run guard errors.
var (
	ErrEmptyCommand      = errors.New("empty command")
	ErrShellOperator     = errors.New("shell operators are not allowed")
	ErrShellSubstitution = errors.New("command substitution is not allowed")
	ErrInlineScript      = errors.New("-c invocations are not allowed")
)

// CheckRunCommand re-validates a system.run command line with the same
// lexer the proposal normalizer uses, so a command string cannot mean
// one thing at proposal time and another at the node. Operators,
// substitution and interpreter -c invocations are refused outright.
// Returns the argv the node should execute.
func CheckRunCommand(command string) ([]string, error) {
	if strings.TrimSpace(command) == "" {
		return nil, ErrEmptyCommand
	}
	if strings.Contains(command, "$(") || strings.Contains(command, "`") {
		return nil, ErrShellSubstitution
	}
	tokens, err := action.Lex(command)
	if err != nil {
		return nil, err
	}
	if action.HasOperator(tokens) {
		return nil, ErrShellOperator
	}
	argv := action.Words(tokens)
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}
	if err := CheckRunArgv(argv); err != nil {
		return nil, err
	}
	return argv, nil
}

// CheckRunArgv refuses argv forms that smuggle an inline script past
// the lexer, such as `sh -c '...'`.
func CheckRunArgv(argv []string) error {
	if len(argv) == 0 {
		return ErrEmptyCommand
	}
	for _, a := range argv[1:] {
		if a == "-c" {
			return ErrInlineScript
		}
	}
	return nil
}

// Workspace holds the resolved filesystem root that system.run working
// directories must stay inside.
type Workspace struct {
	root string
}

// NewWorkspace resolves the workspace root. The root must exist and be
// a directory; symlinks are resolved once here so every later
// containment check compares real paths.
func NewWorkspace(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %q is not a directory", root)
	}
	return &Workspace{root: resolved}, nil
}

// Root returns the resolved workspace root.
func (w *Workspace) Root() string { return w.root }

// ContainCwd resolves a requested working directory and verifies it
// stays inside the workspace root. Relative paths are taken from the
// root; an empty cwd means the root itself. Symlinks are resolved
// before the check so a link cannot escape.
func (w *Workspace) ContainCwd(cwd string) (string, error) {
	if cwd == "" {
		return w.root, nil
	}
	if !filepath.IsAbs(cwd) {
		cwd = filepath.Join(w.root, cwd)
	}
	resolved, err := filepath.EvalSymlinks(cwd)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("cwd %q does not exist", cwd)
		}
		return "", fmt.Errorf("cwd: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("cwd: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("cwd %q is not a directory", cwd)
	}
	if resolved != w.root && !strings.HasPrefix(resolved, w.root+string(filepath.Separator)) {
		return "", fmt.Errorf("cwd %q escapes the workspace root", cwd)
	}
	return resolved, nil
}
