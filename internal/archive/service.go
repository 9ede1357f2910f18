// Package archive keeps a local git journal of every record version a curator
// has published. Each curator gets one repository; each publish or delete of
// a remote record becomes one commit, so the full remote history stays
// reconstructable even after records are superseded or deleted.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// CommitInfo describes one journal entry.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type repoManifest struct {
	DID       string `json:"did"`
	CreatedAt string `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsureCuratorRepo initializes the journal repository for a curator. Calling
// it for an existing repository is a no-op.
func (s *Service) EnsureCuratorRepo(did string) error {
	lock := s.curatorLock(did)
	lock.Lock()
	defer lock.Unlock()
	return s.ensureRepoLocked(did)
}

func (s *Service) ensureRepoLocked(did string) error {
	path := s.repoPath(did)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(repoManifest{
		DID:       did,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, "repo.json"), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if _, err := worktree.Add("repo.json"); err != nil {
		return fmt.Errorf("git add manifest: %w", err)
	}
	hash, err := worktree.Commit("Initialize curator journal", &git.CommitOptions{
		Author: signature(did),
	})
	if err != nil {
		return fmt.Errorf("commit manifest: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// RecordPublished journals one published record version. The record bytes
// land at <collection>/<rkey>.json and the commit message carries the CID, so
// every version the remote repository has ever held stays addressable.
func (s *Service) RecordPublished(did, collection, rkey, cid string, record map[string]any) (CommitInfo, error) {
	lock := s.curatorLock(did)
	lock.Lock()
	defer lock.Unlock()

	if err := s.ensureRepoLocked(did); err != nil {
		return CommitInfo{}, err
	}
	repo, err := git.PlainOpen(s.repoPath(did))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return CommitInfo{}, fmt.Errorf("marshal record: %w", err)
	}
	relPath := filepath.Join(collection, rkey+".json")
	absPath := filepath.Join(worktree.Filesystem.Root(), relPath)
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return CommitInfo{}, fmt.Errorf("create collection dir: %w", err)
	}
	if err := os.WriteFile(absPath, append(payload, '\n'), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write record: %w", err)
	}
	if _, err := worktree.Add(relPath); err != nil {
		return CommitInfo{}, fmt.Errorf("git add record: %w", err)
	}

	message := fmt.Sprintf("publish %s/%s cid=%s", collection, rkey, cid)
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: signature(did),
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit record: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// RecordDeleted journals the removal of a record from the remote repository.
// Deleting a record that was never journaled is a no-op.
func (s *Service) RecordDeleted(did, collection, rkey string) (CommitInfo, error) {
	lock := s.curatorLock(did)
	lock.Lock()
	defer lock.Unlock()

	if err := s.ensureRepoLocked(did); err != nil {
		return CommitInfo{}, err
	}
	repo, err := git.PlainOpen(s.repoPath(did))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	relPath := filepath.Join(collection, rkey+".json")
	if _, err := os.Stat(filepath.Join(worktree.Filesystem.Root(), relPath)); errors.Is(err, os.ErrNotExist) {
		return CommitInfo{}, nil
	}
	if _, err := worktree.Remove(relPath); err != nil {
		return CommitInfo{}, fmt.Errorf("git rm record: %w", err)
	}

	message := fmt.Sprintf("delete %s/%s", collection, rkey)
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: signature(did),
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit delete: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// CurrentRecord returns the latest journaled version of a record, or
// (nil, nil) when the record was never journaled or has been deleted.
func (s *Service) CurrentRecord(did, collection, rkey string) (map[string]any, error) {
	lock := s.curatorLock(did)
	lock.Lock()
	defer lock.Unlock()

	path := filepath.Join(s.repoPath(did), collection, rkey+".json")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return record, nil
}

// History lists journal entries for a curator, newest first.
func (s *Service) History(did string, limit int) ([]CommitInfo, error) {
	lock := s.curatorLock(did)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(did))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main branch: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (s *Service) repoPath(did string) string {
	return filepath.Join(s.baseDir, sanitizePath(did))
}

func (s *Service) curatorLock(did string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[did]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[did] = lock
	return lock
}

func signature(did string) *object.Signature {
	return &object.Signature{
		Name:  did,
		Email: fmt.Sprintf("%s@local.margin.dev", sanitizeEmail(did)),
		When:  time.Now(),
	}
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

// sanitizePath keeps DIDs filesystem-safe. Colons are the only characters a
// did:plc or did:web identifier carries that matter here.
func sanitizePath(did string) string {
	out := make([]rune, 0, len(did))
	for _, r := range did {
		if r == ':' || r == '/' {
			out = append(out, '_')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ':' || r == '-' || r == '_' || r == '.' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "curator"
	}
	return string(out)
}
