package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/rexliu/dappbridge/pkg/config"
)

// RemoteName is the git remote pushed to and pulled from.
const RemoteName = "origin"

// ErrNoRemote is returned by Push and Pull when no remote URL is configured.
var ErrNoRemote = errors.New("history: no remote configured")

// Status represents Git state following a commit attempt.
type Status struct {
	Committed bool   `json:"committed"`
	Pending   bool   `json:"pending"`
	Hash      string `json:"hash"`
}

// Repo is a git repository holding the snapshot history of one profile.
type Repo struct {
	mu     sync.Mutex
	dir    string
	branch plumbing.ReferenceName
	auth   transport.AuthMethod
	repo   *git.Repository
}

// Open opens the repository at dir, creating it on branch when it does not
// exist. A non-empty remote URL is registered as RemoteName.
func Open(dir string, cfg config.VCSConfig) (*Repo, error) {
	branch := cfg.Branch
	if branch == "" {
		branch = "main"
	}
	ref := plumbing.NewBranchReferenceName(branch)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInitWithOptions(dir, &git.PlainInitOptions{
			InitOptions: git.InitOptions{DefaultBranch: ref},
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open history repo: %w", err)
	}
	r := &Repo{dir: dir, branch: ref, repo: repo, auth: authFor(cfg.Remote)}
	if err := r.setRemote(cfg.Remote.URL); err != nil {
		return nil, err
	}
	return r, nil
}

// Dir is the repository work tree.
func (r *Repo) Dir() string { return r.dir }

func (r *Repo) setRemote(url string) error {
	if url == "" {
		return nil
	}
	remote, err := r.repo.Remote(RemoteName)
	switch {
	case errors.Is(err, git.ErrRemoteNotFound):
	case err != nil:
		return err
	case len(remote.Config().URLs) > 0 && remote.Config().URLs[0] == url:
		return nil
	default:
		if err := r.repo.DeleteRemote(RemoteName); err != nil {
			return err
		}
	}
	_, err = r.repo.CreateRemote(&gitconfig.RemoteConfig{Name: RemoteName, URLs: []string{url}})
	return err
}

// Commit stages files (absolute or relative to Dir) and commits them. When
// nothing changed the returned status has Committed false.
func (r *Repo) Commit(ctx context.Context, message string, files []string) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{Pending: true}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	wt, err := r.repo.Worktree()
	if err != nil {
		return Status{Pending: true}, err
	}
	rels := make([]string, 0, len(files))
	for _, f := range files {
		rel := f
		if filepath.IsAbs(f) {
			if rel, err = filepath.Rel(r.dir, f); err != nil {
				return Status{Pending: true}, err
			}
		}
		rel = filepath.ToSlash(rel)
		if _, err := wt.Add(rel); err != nil {
			return Status{Pending: true}, fmt.Errorf("stage %s: %w", rel, err)
		}
		rels = append(rels, rel)
	}
	st, err := wt.Status()
	if err != nil {
		return Status{Pending: true}, err
	}
	if !staged(st, rels) {
		return Status{}, nil
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: "dappbridge", Email: "dappbridge@localhost", When: time.Now()},
	})
	if err != nil {
		return Status{Pending: true}, fmt.Errorf("commit: %w", err)
	}
	return Status{Committed: true, Hash: hash.String()}, nil
}

func staged(st git.Status, files []string) bool {
	for _, f := range files {
		fs, ok := st[f]
		if !ok {
			continue
		}
		if fs.Staging != git.Unmodified && fs.Staging != git.Untracked {
			return true
		}
	}
	return false
}

// Head returns the hash of the current commit, or "" before the first one.
func (r *Repo) Head() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, err := r.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return ref.Hash().String(), nil
}

// Push pushes the branch to RemoteName.
func (r *Repo) Push(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasRemote() {
		return ErrNoRemote
	}
	refSpec := gitconfig.RefSpec(fmt.Sprintf("%s:%s", r.branch, r.branch))
	err := r.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: RemoteName,
		RefSpecs:   []gitconfig.RefSpec{refSpec},
		Auth:       r.auth,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}

// Pull fetches the branch from RemoteName and fast-forwards the work tree.
func (r *Repo) Pull(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasRemote() {
		return ErrNoRemote
	}
	wt, err := r.repo.Worktree()
	if err != nil {
		return err
	}
	err = wt.PullContext(ctx, &git.PullOptions{
		RemoteName:    RemoteName,
		ReferenceName: r.branch,
		SingleBranch:  true,
		Auth:          r.auth,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}

func (r *Repo) hasRemote() bool {
	_, err := r.repo.Remote(RemoteName)
	return err == nil
}

// authFor resolves the credential reference. "env:NAME" reads a token from
// the environment; anything else is left to the transport defaults.
func authFor(remote config.VCSRemote) transport.AuthMethod {
	name, ok := strings.CutPrefix(remote.CredentialRef, "env:")
	if !ok || name == "" {
		return nil
	}
	token := os.Getenv(name)
	if token == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: "dappbridge", Password: token}
}
