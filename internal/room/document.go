package room

import "fmt"

type DocumentState int

const (
	DocumentEmpty DocumentState = iota
	DocumentSeeded
	DocumentActive
)

func (s DocumentState) String() string {
	switch s {
	case DocumentEmpty:
		return "empty"
	case DocumentSeeded:
		return "seeded"
	case DocumentActive:
		return "active"
	}
	return fmt.Sprintf("DocumentState(%d)", int(s))
}

type Policy int

const (
	// LastWriteWins accepts every submission in arrival order and replaces the
	// whole content. Concurrent edits inside one round trip overwrite each other.
	LastWriteWins Policy = iota
	// Strict rejects submissions computed against an older revision.
	Strict
)

// Document is the shared text of one room.
type Document struct {
	content  string
	revision int64
	state    DocumentState
	policy   Policy
}

func NewDocument(policy Policy) *Document {
	return &Document{policy: policy}
}

// Seed sets the initial content at revision 0.
func (d *Document) Seed(content string) error {
	if d.state != DocumentEmpty {
		return fmt.Errorf("seed %s document: %w", d.state, ErrCorrupted)
	}
	d.content = content
	d.revision = 0
	d.state = DocumentSeeded
	return nil
}

// Submit applies a whole-content mutation and returns the new revision.
func (d *Document) Submit(baseRevision int64, content string) (int64, error) {
	if err := d.Check(); err != nil {
		return 0, err
	}
	if d.state == DocumentEmpty {
		return 0, fmt.Errorf("submit to unseeded document: %w", ErrCorrupted)
	}
	if d.policy == Strict && baseRevision != d.revision {
		return d.revision, fmt.Errorf("base %d, current %d: %w", baseRevision, d.revision, ErrStale)
	}
	next := d.revision + 1
	if next <= d.revision {
		return 0, fmt.Errorf("revision overflow: %w", ErrCorrupted)
	}
	d.content = content
	d.revision = next
	d.state = DocumentActive
	return next, nil
}

func (d *Document) Snapshot() (int64, string) {
	return d.revision, d.content
}

// Check verifies the revision invariants of the current state.
func (d *Document) Check() error {
	switch {
	case d.revision < 0:
		return fmt.Errorf("negative revision %d: %w", d.revision, ErrCorrupted)
	case d.state == DocumentEmpty && d.revision != 0,
		d.state == DocumentSeeded && d.revision != 0:
		return fmt.Errorf("%s document at revision %d: %w", d.state, d.revision, ErrCorrupted)
	case d.state == DocumentActive && d.revision == 0:
		return fmt.Errorf("active document at revision 0: %w", ErrCorrupted)
	}
	return nil
}

var templates = map[string]string{
	"javascript": "// Start coding together\nfunction main() {\n  \n}\n\nmain();\n",
	"python":     "# Start coding together\ndef main():\n    pass\n\n\nif __name__ == \"__main__\":\n    main()\n",
	"java":       "// Start coding together\npublic class Main {\n    public static void main(String[] args) {\n        \n    }\n}\n",
	"cpp":        "// Start coding together\n#include <iostream>\n\nint main() {\n    return 0;\n}\n",
	"go":         "// Start coding together\npackage main\n\nfunc main() {\n\t\n}\n",
	"rust":       "// Start coding together\nfn main() {\n    \n}\n",
}

// Template returns the seed for a language, or "" for unknown languages.
func Template(language string) string {
	return templates[language]
}
