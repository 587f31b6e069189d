package process

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// commandLine resolves the executable and builds the argument vector. With a
// remote prefix the first prefix token is resolved locally and the program is
// passed through verbatim for the remote side to resolve.
func commandLine(opts Options) (string, []string, error) {
	prog := strings.TrimSpace(opts.Program)
	if prog == "" {
		return "", nil, ErrEmptyProgram
	}
	if len(opts.RemotePrefix) > 0 {
		head, err := Resolve(opts.RemotePrefix[0], nil)
		if err != nil {
			return "", nil, err
		}
		args := append([]string{}, opts.RemotePrefix[1:]...)
		args = append(args, prog)
		args = append(args, opts.Args...)
		return head, args, nil
	}
	path, err := Resolve(prog, opts.SearchDirs)
	if err != nil {
		return "", nil, err
	}
	return path, append([]string(nil), opts.Args...), nil
}

// Resolve finds an executable. Names containing a path separator are checked
// as given; bare names are looked up in dirs first, then in PATH.
func Resolve(prog string, dirs []string) (string, error) {
	if strings.ContainsRune(prog, os.PathSeparator) || strings.ContainsRune(prog, '/') {
		if isExecutable(prog) {
			return filepath.Clean(prog), nil
		}
		return "", fmt.Errorf("%w: %s", ErrNotResolved, prog)
	}
	for _, d := range dirs {
		if d == "" {
			continue
		}
		for _, cand := range candidates(filepath.Join(d, prog)) {
			if isExecutable(cand) {
				return cand, nil
			}
		}
	}
	p, err := exec.LookPath(prog)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotResolved, prog)
	}
	return p, nil
}

func isExecutable(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return false
	}
	return executableMode(fi)
}
