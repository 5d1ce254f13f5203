package smtp

import (
	"bufio"
	"os"
	"strings"
)

// VerifyFile is the line-oriented, one-address-per-line file consulted by
// VRFY (spec.md §6 "VRFY file"). Per spec.md §9 Open Question (b), the
// server-wide verify-enabled toggle is stored by the control-plane but is
// not consulted here: VRFY always scans the file when one is configured.
type VerifyFile struct {
	path string
}

// NewVerifyFile records the path to scan; the file is re-read on every
// Lookup so that externally edited address lists take effect without a
// server restart.
func NewVerifyFile(path string) *VerifyFile {
	return &VerifyFile{path: path}
}

// Lookup scans the file for addresses that begin with query, so query may
// be a prefix of the local-part or run on past the '@' into the domain
// (case-sensitive, matching the argument grammar's case-sensitive address
// rule). It returns every match, in file order.
func (v *VerifyFile) Lookup(query string) ([]string, error) {
	f, err := os.Open(v.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var matches []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		addr := strings.TrimSpace(scanner.Text())
		if addr == "" {
			continue
		}
		local, _ := SplitDomainLocal(addr)
		if strings.HasPrefix(local, query) || strings.HasPrefix(addr, query) {
			matches = append(matches, addr)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return matches, nil
}
