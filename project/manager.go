package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/lithammer/shortuuid/v4"
	"github.com/sirupsen/logrus"

	"workshop/events"
	"workshop/fault"
	"workshop/fsutil"
)

// TopicChanged is published after every successful mutation.
const TopicChanged events.Topic = "project.changed"

type Changed struct {
	Op   string `json:"op"`
	Path string `json:"path"`
	// NewPath is set by rename.
	NewPath string `json:"newPath,omitempty"`
	Episode int    `json:"episode,omitempty"`
}

type ImportMode string

const (
	ImportCopy ImportMode = "copy"
	ImportLink ImportMode = "link"
)

// LinkStore persists the linked project registry. *config.Store implements
// it.
type LinkStore interface {
	Linked() []string
	SetLinked(paths []string) error
}

// Manager owns the projects root and the linked registry.
type Manager struct {
	root   string
	links  LinkStore
	bus    *events.Bus
	logger *logrus.Logger

	mu sync.Mutex
}

func NewManager(root string, links LinkStore, bus *events.Bus, logger *logrus.Logger) (*Manager, error) {
	if logger == nil {
		logger = logrus.New()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, err, "invalid projects root %s", root)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, err, "cannot create projects root %s", abs)
	}
	return &Manager{root: abs, links: links, bus: bus, logger: logger}, nil
}

func (m *Manager) Root() string { return m.root }

func (m *Manager) publish(c Changed) {
	if m.bus != nil {
		m.bus.Publish(TopicChanged, c)
	}
}

// List returns owned projects sorted by name followed by linked projects in
// registration order. Directories that are not projects are skipped. Linked
// paths that no longer exist are dropped from the registry.
func (m *Manager) List() ([]Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fault.Wrap(fault.KindExternal, err, "cannot read projects root %s", m.root)
	}
	var owned []Project
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		p, err := Load(filepath.Join(m.root, e.Name()))
		if err != nil {
			m.logger.WithField("dir", e.Name()).Debugf("skipping non-project directory: %v", err)
			continue
		}
		owned = append(owned, p)
	}
	sortByName(owned)

	linked := m.linked()
	kept := make([]string, 0, len(linked))
	for _, path := range linked {
		if !fsutil.IsDir(path) {
			m.logger.WithField("path", path).Info("dropping missing linked project")
			continue
		}
		kept = append(kept, path)
		p, err := Load(path)
		if err != nil {
			m.logger.WithField("path", path).Warnf("linked project is invalid: %v", err)
			continue
		}
		p.Linked = true
		owned = append(owned, p)
	}
	if len(kept) != len(linked) {
		if err := m.links.SetLinked(kept); err != nil {
			return nil, err
		}
	}
	return owned, nil
}

// Get loads a single registered project.
func (m *Manager) Get(path string) (Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	abs, linked, err := m.resolve(path)
	if err != nil {
		return Project{}, err
	}
	p, err := Load(abs)
	p.Linked = linked
	return p, err
}

func (m *Manager) linked() []string {
	if m.links == nil {
		return nil
	}
	return m.links.Linked()
}

func (m *Manager) setLinked(paths []string) error {
	if m.links == nil {
		return fault.Configuration("linked projects are not supported without a settings store")
	}
	return m.links.SetLinked(paths)
}

// resolve makes path absolute and checks that it is an owned or linked
// project.
func (m *Manager) resolve(path string) (abs string, linked bool, err error) {
	abs, err = filepath.Abs(strings.TrimSpace(path))
	if err != nil {
		return "", false, fault.Wrap(fault.KindValidation, err, "invalid project path %s", path)
	}
	if slices.Contains(m.linked(), abs) {
		return abs, true, nil
	}
	if filepath.Dir(abs) == m.root && fsutil.IsDir(abs) {
		return abs, false, nil
	}
	return "", false, fault.Wrap(fault.KindValidation, ErrNotFound, "unknown project %s", path)
}

func checkName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fault.Validation("invalid name %q", name)
	}
	return nil
}

// SeedTitles builds the titles of a new project with n numbered episodes and
// blank URLs.
func SeedTitles(n int) Titles {
	t := Titles{Lines: make([]string, n), Entries: make([]Entry, n)}
	for k := range n {
		title := fmt.Sprintf("第%d集", k+1)
		t.Lines[k] = title
		t.Entries[k] = Entry{Title: title}
	}
	return t
}

// Create makes an owned project with episodeCount empty episodes.
func (m *Manager) Create(name string, episodeCount int, originalTitle string) (Project, error) {
	if episodeCount < 1 {
		return Project{}, fault.Validation("episode count must be at least 1")
	}
	return m.CreateWithTitles(name, originalTitle, SeedTitles(episodeCount))
}

// CreateWithTitles makes an owned project whose episodes follow t. Nothing is
// left behind on failure.
func (m *Manager) CreateWithTitles(name, originalTitle string, t Titles) (Project, error) {
	if err := checkName(name); err != nil {
		return Project{}, err
	}
	originalTitle = strings.TrimSpace(originalTitle)
	if err := checkName(originalTitle); err != nil {
		return Project{}, fault.Validation("invalid original title %q", originalTitle)
	}
	if originalTitle+".txt" == TitlesFile {
		return Project{}, fault.Validation("original title collides with %s", TitlesFile)
	}
	if t.Len() < 1 || len(t.Entries) != t.Len() {
		return Project{}, fault.Validation("a project needs at least one episode with one entry each")
	}
	for _, l := range t.Lines {
		if strings.TrimSpace(l) == "" || strings.ContainsAny(l, "\r\n") {
			return Project{}, fault.Validation("episode titles must be single non-empty lines")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dir := filepath.Join(m.root, strings.TrimSpace(name))
	if _, err := os.Lstat(dir); err == nil {
		return Project{}, fault.Validation("project %s already exists", name)
	}
	if err := m.create(dir, originalTitle, t); err != nil {
		_ = os.RemoveAll(dir)
		return Project{}, err
	}
	m.logger.WithFields(logrus.Fields{"project": dir, "episodes": t.Len()}).Info("project created")
	m.publish(Changed{Op: "create", Path: dir})
	return Load(dir)
}

func (m *Manager) create(dir, originalTitle string, t Titles) error {
	if err := os.Mkdir(dir, 0o755); err != nil {
		return fault.Wrap(fault.KindExternal, err, "cannot create %s", dir)
	}
	for k := 1; k <= t.Len(); k++ {
		if err := os.Mkdir(episodeDir(dir, k), 0o755); err != nil {
			return fault.Wrap(fault.KindExternal, err, "cannot create episode %d", k)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, originalTitle+".txt"), []byte(originalTitle+"\n"), 0o644); err != nil {
		return fault.Wrap(fault.KindExternal, err, "cannot write original title")
	}
	return writeTitles(dir, t)
}

func writeTitles(dir string, t Titles) error {
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, TitlesFile), []byte(t.String()), 0o644); err != nil {
		return fault.Wrap(fault.KindExternal, err, "cannot write %s", TitlesFile)
	}
	return nil
}

// Import registers an existing project directory, either by copying it
// under the projects root or by linking its absolute path.
func (m *Manager) Import(path string, mode ImportMode) (Project, error) {
	abs, err := filepath.Abs(strings.TrimSpace(path))
	if err != nil {
		return Project{}, fault.Wrap(fault.KindValidation, err, "invalid path %s", path)
	}
	if mode != ImportCopy && mode != ImportLink {
		return Project{}, fault.Validation("unknown import mode %q", mode)
	}
	if _, err := Load(abs); err != nil {
		return Project{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	linked := m.linked()
	if filepath.Dir(abs) == m.root || slices.Contains(linked, abs) {
		return Project{}, fault.Validation("project %s is already registered", abs)
	}

	switch mode {
	case ImportLink:
		if err := m.setLinked(append(slices.Clone(linked), abs)); err != nil {
			return Project{}, err
		}
		m.publish(Changed{Op: "link", Path: abs})
		p, err := Load(abs)
		p.Linked = true
		return p, err
	default:
		dest := filepath.Join(m.root, filepath.Base(abs))
		if _, err := os.Lstat(dest); err == nil {
			return Project{}, fault.Validation("project %s already exists", filepath.Base(abs))
		}
		if err := os.CopyFS(dest, os.DirFS(abs)); err != nil {
			_ = os.RemoveAll(dest)
			return Project{}, fault.Wrap(fault.KindExternal, err, "cannot copy %s", abs)
		}
		m.logger.WithFields(logrus.Fields{"from": abs, "to": dest}).Info("project copied")
		m.publish(Changed{Op: "import", Path: dest})
		return Load(dest)
	}
}

// Delete removes the project from disk and from the linked registry.
func (m *Manager) Delete(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	abs, linked, err := m.resolve(path)
	if err != nil {
		return err
	}
	if linked {
		if err := m.setLinked(slices.DeleteFunc(slices.Clone(m.linked()), func(p string) bool { return p == abs })); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(abs); err != nil {
		return fault.Wrap(fault.KindExternal, err, "cannot delete %s", abs)
	}
	m.logger.WithField("project", abs).Info("project deleted")
	m.publish(Changed{Op: "delete", Path: abs})
	return nil
}

// Rename renames the project directory in place and returns the new path.
// A linked registration follows the directory.
func (m *Manager) Rename(path, newName string) (string, error) {
	if err := checkName(newName); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	abs, linked, err := m.resolve(path)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(filepath.Dir(abs), strings.TrimSpace(newName))
	if dest == abs {
		return abs, nil
	}
	if _, err := os.Lstat(dest); err == nil {
		return "", fault.Validation("%s already exists", dest)
	}
	if err := os.Rename(abs, dest); err != nil {
		return "", fault.Wrap(fault.KindExternal, err, "cannot rename %s", abs)
	}
	if linked {
		paths := slices.Clone(m.linked())
		for i, p := range paths {
			if p == abs {
				paths[i] = dest
			}
		}
		if err := m.setLinked(paths); err != nil {
			if rerr := os.Rename(dest, abs); rerr != nil {
				return "", fault.Wrap(fault.KindInvariant, errors.Join(err, rerr), "rename of %s could not be rolled back", abs)
			}
			return "", err
		}
	}
	m.publish(Changed{Op: "rename", Path: abs, NewPath: dest})
	return dest, nil
}

// journal records directory renames so a failed episode operation can be
// undone in reverse order.
type journal struct {
	moves [][2]string
}

func (j *journal) rename(from, to string) error {
	if err := os.Rename(from, to); err != nil {
		return err
	}
	j.moves = append(j.moves, [2]string{from, to})
	return nil
}

func (j *journal) rollback() error {
	var errs []error
	for i := len(j.moves) - 1; i >= 0; i-- {
		mv := j.moves[i]
		if err := os.Rename(mv[1], mv[0]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// fail undoes j and reports cause. A failed rollback is an invariant
// violation: the project is left in an unknown state.
func fail(j *journal, dir string, cause error) error {
	if err := j.rollback(); err != nil {
		return fault.Wrap(fault.KindInvariant, errors.Join(cause, err), "%s is inconsistent after a failed episode change", dir)
	}
	return cause
}

// InsertEpisode inserts an episode at 1-based position at, shifting later
// episodes up by one. transTitle is kept only when the titles file carries
// translations. On failure the project is restored.
func (m *Manager) InsertEpisode(path string, at int, origTitle, transTitle, url string) (Project, error) {
	origTitle = strings.TrimSpace(origTitle)
	if origTitle == "" || strings.ContainsAny(origTitle, "\r\n") || strings.ContainsAny(transTitle+url, "\r\n") {
		return Project{}, fault.Validation("episode title must be a single non-empty line")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dir, linked, err := m.resolve(path)
	if err != nil {
		return Project{}, err
	}
	if _, err := Load(dir); err != nil {
		return Project{}, err
	}
	t, err := readTitles(dir)
	if err != nil {
		return Project{}, err
	}
	n := t.Len()
	if at < 1 || at > n+1 {
		return Project{}, fault.Validation("insert position %d is outside 1..%d", at, n+1)
	}

	next := t.clone()
	e := Entry{Title: origTitle, URL: strings.TrimSpace(url)}
	if next.Translated {
		e.Translated = strings.TrimSpace(transTitle)
	}
	next.insert(at, e)

	j := &journal{}
	for k := n; k >= at; k-- {
		if err := j.rename(episodeDir(dir, k), episodeDir(dir, k+1)); err != nil {
			return Project{}, fail(j, dir, fault.Wrap(fault.KindExternal, err, "cannot renumber episode %d", k))
		}
	}
	created := episodeDir(dir, at)
	if err := os.Mkdir(created, 0o755); err != nil {
		return Project{}, fail(j, dir, fault.Wrap(fault.KindExternal, err, "cannot create episode %d", at))
	}
	if err := writeTitles(dir, next); err != nil {
		_ = os.Remove(created)
		return Project{}, fail(j, dir, err)
	}

	m.logger.WithFields(logrus.Fields{"project": dir, "at": at}).Info("episode inserted")
	m.publish(Changed{Op: "insert-episode", Path: dir, Episode: at})
	p, err := Load(dir)
	p.Linked = linked
	return p, err
}

// DeleteEpisode removes episode at and its directory, shifting later
// episodes down by one. On failure the project is restored.
func (m *Manager) DeleteEpisode(path string, at int) (Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir, linked, err := m.resolve(path)
	if err != nil {
		return Project{}, err
	}
	if _, err := Load(dir); err != nil {
		return Project{}, err
	}
	t, err := readTitles(dir)
	if err != nil {
		return Project{}, err
	}
	n := t.Len()
	if at < 1 || at > n {
		return Project{}, fault.Validation("episode %d is outside 1..%d", at, n)
	}
	if n == 1 {
		return Project{}, fault.Validation("cannot delete the only episode")
	}

	next := t.clone()
	next.remove(at)

	// The doomed directory is parked under a hidden name until the titles
	// file is written, so it can be restored.
	j := &journal{}
	parked := filepath.Join(dir, ".deleted-"+shortuuid.New())
	if err := j.rename(episodeDir(dir, at), parked); err != nil {
		return Project{}, fault.Wrap(fault.KindExternal, err, "cannot remove episode %d", at)
	}
	for k := at + 1; k <= n; k++ {
		if err := j.rename(episodeDir(dir, k), episodeDir(dir, k-1)); err != nil {
			return Project{}, fail(j, dir, fault.Wrap(fault.KindExternal, err, "cannot renumber episode %d", k))
		}
	}
	if err := writeTitles(dir, next); err != nil {
		return Project{}, fail(j, dir, err)
	}
	if err := os.RemoveAll(parked); err != nil {
		m.logger.WithField("dir", parked).Warnf("could not remove deleted episode: %v", err)
	}

	m.logger.WithFields(logrus.Fields{"project": dir, "at": at}).Info("episode deleted")
	m.publish(Changed{Op: "delete-episode", Path: dir, Episode: at})
	p, err := Load(dir)
	p.Linked = linked
	return p, err
}

// EditEpisodeLine replaces the display title of episode at.
func (m *Manager) EditEpisodeLine(path string, at int, line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.ContainsAny(line, "\r\n") {
		return fault.Validation("episode title must be a single non-empty line")
	}
	return m.editTitles(path, at, "edit-line", func(t *Titles) {
		t.Lines[at-1] = line
	})
}

// EditEpisodeURL replaces the source URL of episode at.
func (m *Manager) EditEpisodeURL(path string, at int, url string) error {
	url = strings.TrimSpace(url)
	if strings.ContainsAny(url, "\r\n ") {
		return fault.Validation("invalid url %q", url)
	}
	return m.editTitles(path, at, "edit-url", func(t *Titles) {
		t.Entries[at-1].URL = url
	})
}

func (m *Manager) editTitles(path string, at int, op string, fn func(t *Titles)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir, _, err := m.resolve(path)
	if err != nil {
		return err
	}
	t, err := readTitles(dir)
	if err != nil {
		return err
	}
	if at < 1 || at > t.Len() {
		return fault.Validation("episode %d is outside 1..%d", at, t.Len())
	}
	fn(&t)
	if err := writeTitles(dir, t); err != nil {
		return err
	}
	m.publish(Changed{Op: op, Path: dir, Episode: at})
	return nil
}

// PreviousPath maps <root>/<k>/<name> to <root>/<k-1>/<name> when that file
// exists.
func PreviousPath(path string) (string, bool) {
	return adjacent(path, -1)
}

// NextPath maps <root>/<k>/<name> to <root>/<k+1>/<name> when that file
// exists.
func NextPath(path string) (string, bool) {
	return adjacent(path, 1)
}

func adjacent(path string, delta int) (string, bool) {
	epDir := filepath.Dir(path)
	k, err := strconv.Atoi(filepath.Base(epDir))
	if err != nil || k+delta < 1 {
		return "", false
	}
	candidate := filepath.Join(filepath.Dir(epDir), strconv.Itoa(k+delta), filepath.Base(path))
	if !fsutil.Exists(candidate) {
		return "", false
	}
	return candidate, true
}
