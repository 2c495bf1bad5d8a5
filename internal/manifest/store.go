// Package manifest loads desired state from git: it resolves a source
// revision, checks the repository out into a local cache, and parses the
// manifest tree into resources ready for diffing. Malformed documents are
// collected per file; only identity conflicts abort a load.
package manifest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-git/v5/plumbing"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	kyaml "k8s.io/apimachinery/pkg/util/yaml"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/piercuta/gyre/internal/git"
	"github.com/piercuta/gyre/pkg/resource"
)

// manifestExts are the file extensions treated as manifest documents.
var manifestExts = map[string]bool{
	".yaml": true,
	".yml":  true,
	".json": true,
}

// Store loads desired state for applications. It keeps one checkout per
// application under CacheRoot and reuses it across loads.
type Store struct {
	// Git performs remote resolution and checkouts.
	Git git.Client

	// CacheRoot is the directory checkouts live under.
	CacheRoot string
}

// LoadResult is the parsed desired set for one source revision.
type LoadResult struct {
	// Revision is the commit SHA the documents were parsed from.
	Revision string

	// Resources in document order. Within one file the last definition of
	// an identity wins.
	Resources []resource.Resource

	// ParseErrors collects the malformed documents encountered. Resources
	// above is the complete valid remainder.
	ParseErrors []*ParseError
}

// Load fetches src at its configured revision and parses every manifest
// under its path. destNamespace fills in namespaced documents that do not
// declare one, so desired identities line up with live state.
func (s *Store) Load(ctx context.Context, app string, src Source, destNamespace string) (*LoadResult, error) {
	log := logf.FromContext(ctx).WithName("manifest")

	auth, err := git.ResolveAuth(ctx, src.Auth)
	if err != nil {
		return nil, &SourceUnavailableError{Source: redactedSource(src), Err: err}
	}

	dir := filepath.Join(s.CacheRoot, app)

	// Pinned SHAs skip remote resolution entirely; symbolic refs cost one
	// ls-remote round trip to learn whether the checkout is already current.
	revision := src.Revision
	if !plumbing.IsHash(revision) {
		resolved, err := s.Git.LsRemote(ctx, src.RepoURL, revision, auth)
		if err != nil {
			return nil, &SourceUnavailableError{Source: redactedSource(src), Err: err}
		}
		revision = resolved.Commit
	}

	if head, err := git.HeadCommit(dir); err != nil || head != revision {
		res, err := s.Git.CloneOrFetch(ctx, src.RepoURL, src.Revision, dir, auth)
		if err != nil {
			return nil, &SourceUnavailableError{Source: redactedSource(src), Err: err}
		}
		revision = res.Commit
		log.V(1).Info("checked out revision", "app", app, "revision", revision)
	}

	root := dir
	if src.Path != "" {
		root = filepath.Join(dir, src.Path)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil, &SourceUnavailableError{
			Source: redactedSource(src),
			Err:    fmt.Errorf("path %q not found at revision %s", src.Path, revision),
		}
	}

	result, err := parseTree(root, src, destNamespace)
	if err != nil {
		return nil, err
	}
	result.Revision = revision
	return result, nil
}

// redactedSource renders a source for errors and logs with credentials
// stripped from the URL.
func redactedSource(src Source) string {
	return git.Redact(src.RepoURL) + "@" + src.Revision
}

// parseTree walks root and parses every manifest file passing the source's
// include and exclude globs.
func parseTree(root string, src Source, destNamespace string) (*LoadResult, error) {
	result := &LoadResult{}

	// Tracks where each identity was first defined, for cross-file conflict
	// detection, and its slot in the ordered result so a later definition
	// in the same file can replace it.
	type defined struct {
		path  string
		index int
	}
	seen := map[resource.Key]defined{}

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !manifestExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !selectFile(rel, src.Include, src.Exclude) {
			return nil
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		docs, parseErrs := splitDocuments(rel, raw, src.Patches)
		result.ParseErrors = append(result.ParseErrors, parseErrs...)

		for _, r := range docs {
			applyNamespaceDefault(r, destNamespace)
			if _, err := r.Wave(0); err != nil {
				result.ParseErrors = append(result.ParseErrors, &ParseError{Path: rel, Detail: err})
				continue
			}
			key := r.Key()
			if prev, ok := seen[key]; ok {
				if prev.path != rel {
					return &ConflictError{Key: key, FirstPath: prev.path, SecondPath: rel}
				}
				// Last definition within one document stream wins.
				result.Resources[prev.index] = r
				continue
			}
			seen[key] = defined{path: rel, index: len(result.Resources)}
			result.Resources = append(result.Resources, r)
		}
		return nil
	})
	if walkErr != nil {
		var conflict *ConflictError
		if errors.As(walkErr, &conflict) {
			return nil, conflict
		}
		return nil, fmt.Errorf("walking manifest tree: %w", walkErr)
	}
	return result, nil
}

// selectFile applies include then exclude globs to a slash-relative path.
// Malformed patterns match nothing.
func selectFile(rel string, include, exclude []string) bool {
	if len(include) > 0 {
		matched := false
		for _, pattern := range include {
			ok, err := doublestar.Match(pattern, rel)
			if err == nil && ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, pattern := range exclude {
		ok, err := doublestar.Match(pattern, rel)
		if err == nil && ok {
			return false
		}
	}
	return true
}

// splitDocuments parses one file's multi-document stream. Malformed
// documents become parse errors without aborting the remainder of the file.
func splitDocuments(relPath string, raw []byte, patches []Patch) ([]resource.Resource, []*ParseError) {
	var (
		resources []resource.Resource
		parseErrs []*ParseError
	)

	reader := kyaml.NewYAMLReader(bufio.NewReader(bytes.NewReader(raw)))
	for docIndex := 0; ; docIndex++ {
		doc, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			parseErrs = append(parseErrs, parseFailure(relPath, docIndex, err))
			break
		}

		jsonDoc, err := kyaml.ToJSON(doc)
		if err != nil {
			parseErrs = append(parseErrs, parseFailure(relPath, docIndex, err))
			continue
		}
		if isEmptyDocument(jsonDoc) {
			continue
		}

		if len(patches) > 0 {
			jsonDoc, err = applyPatches(jsonDoc, patches, relPath)
			if err != nil {
				parseErrs = append(parseErrs, parseFailure(relPath, docIndex, err))
				continue
			}
		}

		obj := &unstructured.Unstructured{}
		if err := obj.UnmarshalJSON(jsonDoc); err != nil {
			parseErrs = append(parseErrs, parseFailure(relPath, docIndex, err))
			continue
		}
		r := resource.New(obj)
		if err := validateIdentity(r); err != nil {
			parseErrs = append(parseErrs, parseFailure(relPath, docIndex, err))
			continue
		}
		resources = append(resources, r)
	}
	return resources, parseErrs
}

func parseFailure(relPath string, docIndex int, err error) *ParseError {
	return &ParseError{Path: relPath, Detail: fmt.Errorf("document %d: %w", docIndex, err)}
}

// isEmptyDocument reports whether a converted document carries no content.
// Comment-only and separator-only YAML documents decode to JSON null.
func isEmptyDocument(jsonDoc []byte) bool {
	trimmed := bytes.TrimSpace(jsonDoc)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// validateIdentity rejects documents that cannot participate in identity
// comparison.
func validateIdentity(r resource.Resource) error {
	if r.GetKind() == "" {
		return fmt.Errorf("missing kind")
	}
	if r.GetAPIVersion() == "" {
		return fmt.Errorf("missing apiVersion")
	}
	if r.GetName() == "" {
		return fmt.Errorf("missing metadata.name")
	}
	return nil
}

// applyNamespaceDefault fills in the destination namespace on namespaced
// documents that do not declare one.
func applyNamespaceDefault(r resource.Resource, namespace string) {
	if namespace == "" || r.GetNamespace() != "" {
		return
	}
	if resource.ClusterScoped(r.GetKind()) {
		return
	}
	r.SetNamespace(namespace)
}
