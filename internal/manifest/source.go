package manifest

import "github.com/piercuta/gyre/internal/git"

// Source locates desired state: a git repository, a revision, and a path
// within the checkout.
type Source struct {
	// RepoURL is the repository holding the manifests.
	RepoURL string `json:"repoURL"`

	// Revision is a branch name, tag, or full commit SHA.
	Revision string `json:"revision"`

	// Path is the subdirectory to load manifests from. Empty means the
	// repository root.
	Path string `json:"path,omitempty"`

	// Include restricts loading to files matching at least one glob,
	// relative to Path. Empty includes every manifest file.
	Include []string `json:"include,omitempty"`

	// Exclude drops files matching any glob. Applied after Include.
	Exclude []string `json:"exclude,omitempty"`

	// Patches are applied to documents parsed from matching files before
	// they are decoded.
	Patches []Patch `json:"patches,omitempty"`

	// Auth selects the credentials used to fetch the repository. Nil means
	// anonymous access.
	Auth *git.AuthConfig `json:"auth,omitempty"`
}

// Patch sets values on every document parsed from files matching File.
type Patch struct {
	// File is a glob relative to the source path. Empty matches every file.
	File string `json:"file,omitempty"`

	// Set maps sjson paths to raw values. Values parsing as JSON literals
	// (true, 3, null, quoted strings) keep their native type; anything else
	// is set as a string.
	Set map[string]string `json:"set"`
}
