// Package agentrepo keeps a git history of every agent's configuration.
package agentrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	configFile = "config.json"
	branch     = "main"
)

var ErrVersionNotFound = errors.New("agent version not found")

// Config is the versioned part of an agent.
type Config struct {
	Name         string  `json:"name"`
	Description  string  `json:"description"`
	SystemPrompt string  `json:"systemPrompt"`
	Model        string  `json:"model"`
	Temperature  float64 `json:"temperature"`
}

type Version struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type FieldChange struct {
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
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

// EnsureAgentRepo creates the repository with initial as its first commit.
// An existing repository is left untouched.
func (s *Service) EnsureAgentRepo(agentID string, initial Config, author string) error {
	lock := s.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(agentID)
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
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branch))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	if _, err := s.commit(repo, initial, author, "Create agent", false); err != nil {
		return err
	}
	return nil
}

// CommitConfig records cfg as the agent's current configuration.
func (s *Service) CommitConfig(agentID string, cfg Config, author, message string) (Version, error) {
	lock := s.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(agentID))
	if err != nil {
		return Version{}, fmt.Errorf("open repo: %w", err)
	}
	hash, err := s.commit(repo, cfg, author, message, true)
	if err != nil {
		return Version{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Version{}, fmt.Errorf("read commit object: %w", err)
	}
	return toVersion(commitObj), nil
}

// History lists versions newest first. limit <= 0 returns all of them.
func (s *Service) History(agentID string, limit int) ([]Version, error) {
	lock := s.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(agentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Version{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Version, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toVersion(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (s *Service) GetConfigByHash(agentID, hash string) (Config, Version, error) {
	lock := s.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(agentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return Config{}, Version{}, ErrVersionNotFound
	}
	if err != nil {
		return Config{}, Version{}, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return Config{}, Version{}, fmt.Errorf("%w: %s", ErrVersionNotFound, hash)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return Config{}, Version{}, fmt.Errorf("%w: %s", ErrVersionNotFound, hash)
	}
	cfg, err := readConfig(commitObj)
	if err != nil {
		return Config{}, Version{}, err
	}
	return cfg, toVersion(commitObj), nil
}

// Remove deletes the agent's history.
func (s *Service) Remove(agentID string) error {
	lock := s.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.repoPath(agentID)); err != nil {
		return fmt.Errorf("remove agent repo: %w", err)
	}
	return nil
}

func (s *Service) repoPath(agentID string) string {
	return filepath.Join(s.baseDir, filepath.Base(agentID))
}

func (s *Service) agentLock(agentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[agentID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[agentID] = lock
	}
	return lock
}

func (s *Service) commit(repo *git.Repository, cfg Config, author, message string, allowEmpty bool) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), configFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", configFile, err)
	}
	if _, err := worktree.Add(configFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add config: %w", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: allowEmpty,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@agents.cockpit.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit config: %w", err)
	}
	return hash, nil
}

func readConfig(commitObj *object.Commit) (Config, error) {
	file, err := commitObj.File(configFile)
	if err != nil {
		return Config{}, fmt.Errorf("load %s from commit: %w", configFile, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", configFile, err)
	}
	var cfg Config
	if err := json.Unmarshal([]byte(contents), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode agent config: %w", err)
	}
	return cfg, nil
}

// DiffFields lists changed fields in a stable order.
func DiffFields(from, to Config) []FieldChange {
	pairs := []FieldChange{
		{Field: "name", Before: from.Name, After: to.Name},
		{Field: "description", Before: from.Description, After: to.Description},
		{Field: "systemPrompt", Before: from.SystemPrompt, After: to.SystemPrompt},
		{Field: "model", Before: from.Model, After: to.Model},
		{Field: "temperature", Before: formatFloat(from.Temperature), After: formatFloat(to.Temperature)},
	}
	changes := make([]FieldChange, 0)
	for _, p := range pairs {
		if p.Before != p.After {
			changes = append(changes, p)
		}
	}
	return changes
}

func HasChanges(from, to Config) bool {
	return from != to
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func toVersion(commitObj *object.Commit) Version {
	return Version{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
