package gitvcs

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"wsync/internal/vcs"
)

// Snapshot trees are stored as one directory per resource type holding one file per
// resource: <type>/<id>.json. File content is the canonical resource encoding, so the
// BlobHash of a ref in this backend is the git blob id of that content.

const entryExt = ".json"

// entryName escapes s into a single tree entry name.
func entryName(s string) string {
	name := url.PathEscape(s)
	if strings.HasPrefix(name, ".") {
		name = "%2E" + name[1:]
	}
	return name
}

// blobHash returns the git blob id content would be stored under.
func blobHash(content []byte) string {
	return plumbing.ComputeHash(plumbing.BlobObject, content).String()
}

// buildTree encodes resources and returns the working tree keyed by git blob ids
// together with the encoded content.
func buildTree(resources []vcs.Resource) (vcs.Tree, map[string][]byte, error) {
	tree := make(vcs.Tree, len(resources))
	contents := make(map[string][]byte, len(resources))
	for i := range resources {
		r := &resources[i]
		if _, dup := tree[r.ID]; dup {
			return nil, nil, fmt.Errorf("duplicate resource id %q", r.ID)
		}
		data, err := vcs.EncodeResource(r)
		if err != nil {
			return nil, nil, err
		}
		hash := blobHash(data)
		tree[r.ID] = vcs.ResourceRef{ID: r.ID, Type: r.Type, BlobHash: hash}
		contents[hash] = data
	}
	return tree, contents, nil
}

func (g *GitVCS) writeObject(enc interface {
	Encode(plumbing.EncodedObject) error
}) (plumbing.Hash, error) {
	obj := g.repo.Storer.NewEncodedObject()
	if err := enc.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return g.repo.Storer.SetEncodedObject(obj)
}

func (g *GitVCS) writeBlob(content []byte) (string, error) {
	obj := g.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return "", err
	}
	if _, err := w.Write(content); err != nil {
		w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	h, err := g.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return "", fmt.Errorf("writing blob: %w", err)
	}
	return h.String(), nil
}

func (g *GitVCS) readBlob(hash string) ([]byte, error) {
	blob, err := g.repo.BlobObject(plumbing.NewHash(hash))
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, fmt.Errorf("blob %s: %w", vcs.ShortHash(hash), vcs.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", vcs.ShortHash(hash), err)
	}
	r, err := blob.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (g *GitVCS) readResource(hash string) (*vcs.Resource, error) {
	data, err := g.readBlob(hash)
	if err != nil {
		return nil, err
	}
	return vcs.DecodeResource(data)
}

// writeTree stores tree as nested git trees and returns the root tree id.
func (g *GitVCS) writeTree(tree vcs.Tree) (plumbing.Hash, error) {
	byType := make(map[string][]object.TreeEntry)
	for _, id := range tree.IDs() {
		ref := tree[id]
		dir := entryName(ref.Type)
		byType[dir] = append(byType[dir], object.TreeEntry{
			Name: entryName(id) + entryExt,
			Mode: filemode.Regular,
			Hash: plumbing.NewHash(ref.BlobHash),
		})
	}

	root := &object.Tree{}
	for dir, entries := range byType {
		sortEntries(entries)
		h, err := g.writeObject(&object.Tree{Entries: entries})
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("writing tree %s: %w", dir, err)
		}
		root.Entries = append(root.Entries, object.TreeEntry{Name: dir, Mode: filemode.Dir, Hash: h})
	}
	sortEntries(root.Entries)

	h, err := g.writeObject(root)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("writing root tree: %w", err)
	}
	return h, nil
}

// sortEntries orders entries the way git expects. Every level holds only files or only
// directories, so a plain name sort matches git's ordering.
func sortEntries(entries []object.TreeEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
}

// readTree converts the tree of commit into a vcs.Tree. Types and ids come from the
// stored resources, not from the escaped file names.
func (g *GitVCS) readTree(commit *object.Commit) (vcs.Tree, error) {
	gt, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("reading tree of %s: %w", vcs.ShortHash(commit.Hash.String()), err)
	}
	tree := vcs.Tree{}
	err = gt.Files().ForEach(func(f *object.File) error {
		if !strings.HasSuffix(f.Name, entryExt) {
			return nil
		}
		content, err := f.Contents()
		if err != nil {
			return fmt.Errorf("reading %s: %w", f.Name, err)
		}
		r, err := vcs.DecodeResource([]byte(content))
		if err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
		tree[r.ID] = vcs.ResourceRef{ID: r.ID, Type: r.Type, BlobHash: f.Hash.String()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tree, nil
}

func (g *GitVCS) commitObject(id string) (*object.Commit, error) {
	c, err := g.repo.CommitObject(plumbing.NewHash(id))
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, fmt.Errorf("snapshot %s: %w", vcs.ShortHash(id), vcs.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("reading commit %s: %w", vcs.ShortHash(id), err)
	}
	return c, nil
}

// snapshot converts a commit, caching the result since commits never change.
func (g *GitVCS) snapshot(id string) (*vcs.Snapshot, error) {
	if g.cache != nil {
		if s, ok := g.cache.Get(id); ok {
			return s, nil
		}
	}
	c, err := g.commitObject(id)
	if err != nil {
		return nil, err
	}
	tree, err := g.readTree(c)
	if err != nil {
		return nil, err
	}
	parents := make([]string, 0, len(c.ParentHashes))
	for _, p := range c.ParentHashes {
		parents = append(parents, p.String())
	}
	s := &vcs.Snapshot{
		ID:        c.Hash.String(),
		ParentIDs: parents,
		Tree:      tree,
		Author:    formatSignature(c.Author),
		Timestamp: c.Author.When.UTC(),
		Message:   c.Message,
	}
	if g.cache != nil {
		g.cache.Add(id, s)
	}
	return s, nil
}

// commit writes a commit of tree with the given parents and returns its id.
func (g *GitVCS) commit(tree vcs.Tree, parents []string, message string) (string, error) {
	treeHash, err := g.writeTree(tree)
	if err != nil {
		return "", err
	}
	sig := parseSignature(g.author, g.clock.Now())
	c := &object.Commit{
		Author:    sig,
		Committer: sig,
		Message:   message,
		TreeHash:  treeHash,
	}
	for _, p := range parents {
		c.ParentHashes = append(c.ParentHashes, plumbing.NewHash(p))
	}
	h, err := g.writeObject(c)
	if err != nil {
		return "", fmt.Errorf("writing commit: %w", err)
	}
	return h.String(), nil
}

// parseSignature splits "Name <email>" into a git signature.
func parseSignature(author string, when time.Time) object.Signature {
	sig := object.Signature{Name: strings.TrimSpace(author), When: when}
	if i := strings.Index(author, "<"); i >= 0 {
		if j := strings.Index(author[i:], ">"); j > 0 {
			sig.Name = strings.TrimSpace(author[:i])
			sig.Email = author[i+1 : i+j]
		}
	}
	if sig.Name == "" {
		sig.Name = "wsync"
	}
	return sig
}

func formatSignature(sig object.Signature) string {
	if sig.Email == "" {
		return sig.Name
	}
	return fmt.Sprintf("%s <%s>", sig.Name, sig.Email)
}
