package gitsync

import (
	"fmt"
	"strconv"
	"strings"
)

// RepoStatus is the parsed form of `git status --porcelain=v2 --branch -z`.
type RepoStatus struct {
	Branch   string // empty when detached
	Upstream string // empty when no upstream is configured
	Ahead    int
	Behind   int

	Modified   []string
	Created    []string // added to the index
	Deleted    []string
	Renamed    []string // new path of renamed or copied entries
	Untracked  []string
	Conflicted []string
}

// HasUpstream reports whether the current branch tracks a remote branch.
func (s *RepoStatus) HasUpstream() bool { return s.Upstream != "" }

// Clean reports whether there is nothing to commit.
func (s *RepoStatus) Clean() bool {
	return len(s.Modified) == 0 && len(s.Created) == 0 && len(s.Deleted) == 0 &&
		len(s.Renamed) == 0 && len(s.Untracked) == 0 && len(s.Conflicted) == 0
}

// parseStatus parses NUL-separated porcelain v2 output.
func parseStatus(out string) (*RepoStatus, error) {
	st := &RepoStatus{}
	fields := strings.Split(out, "\x00")
	for i := 0; i < len(fields); i++ {
		line := fields[i]
		if line == "" {
			continue
		}
		switch line[0] {
		case '#':
			if err := st.parseHeader(line); err != nil {
				return nil, err
			}
		case '1':
			// 1 <XY> <sub> <mH> <mI> <mW> <hH> <hI> <path>
			parts := strings.SplitN(line, " ", 9)
			if len(parts) < 9 {
				return nil, fmt.Errorf("malformed status entry %q", line)
			}
			st.classify(parts[1], parts[8])
		case '2':
			// 2 <XY> <sub> <mH> <mI> <mW> <hH> <hI> <Xscore> <path>, then <origPath>
			parts := strings.SplitN(line, " ", 10)
			if len(parts) < 10 {
				return nil, fmt.Errorf("malformed rename entry %q", line)
			}
			st.Renamed = append(st.Renamed, parts[9])
			i++ // skip origPath
		case 'u':
			// u <XY> <sub> <m1> <m2> <m3> <mW> <h1> <h2> <h3> <path>
			parts := strings.SplitN(line, " ", 11)
			if len(parts) < 11 {
				return nil, fmt.Errorf("malformed unmerged entry %q", line)
			}
			st.Conflicted = append(st.Conflicted, parts[10])
		case '?':
			st.Untracked = append(st.Untracked, strings.TrimPrefix(line, "? "))
		case '!':
			// ignored
		default:
			return nil, fmt.Errorf("unknown status entry %q", line)
		}
	}
	return st, nil
}

func (s *RepoStatus) parseHeader(line string) error {
	key, value, _ := strings.Cut(strings.TrimPrefix(line, "# "), " ")
	switch key {
	case "branch.head":
		if value != "(detached)" {
			s.Branch = value
		}
	case "branch.upstream":
		s.Upstream = value
	case "branch.ab":
		a, b, ok := strings.Cut(value, " ")
		if !ok {
			return fmt.Errorf("malformed branch.ab header %q", line)
		}
		ahead, err := strconv.Atoi(strings.TrimPrefix(a, "+"))
		if err != nil {
			return fmt.Errorf("parse ahead count %q: %w", a, err)
		}
		behind, err := strconv.Atoi(strings.TrimPrefix(b, "-"))
		if err != nil {
			return fmt.Errorf("parse behind count %q: %w", b, err)
		}
		s.Ahead, s.Behind = ahead, behind
	}
	return nil
}

func (s *RepoStatus) classify(xy, path string) {
	if len(xy) != 2 {
		return
	}
	x, y := xy[0], xy[1]
	switch {
	case x == 'D' || y == 'D':
		s.Deleted = append(s.Deleted, path)
	case x == 'A':
		s.Created = append(s.Created, path)
	default:
		s.Modified = append(s.Modified, path)
	}
}
