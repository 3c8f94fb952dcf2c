// Package project manages episode projects on disk: a directory holding a
// titles file, an original-title marker and one numbered sub-directory per
// episode.
//
// Mutations are serialized by the Manager but must not race with other
// writers of the same directories.
package project

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"workshop/fault"
)

// Canonical file names. They are part of the on-disk format and must not be
// translated.
const (
	TitlesFile             = "标题.txt"
	CoverFile              = "封面.jpg"
	SourceVideoFile        = "生肉.mp4"
	SourceSubtitleFile     = "原文.srt"
	TranslatedSubtitleFile = "译文.srt"
	EncodedVideoFile       = "熟肉.mp4"
)

// EpisodeFiles lists the canonical per-episode files.
var EpisodeFiles = []string{CoverFile, SourceVideoFile, SourceSubtitleFile, TranslatedSubtitleFile, EncodedVideoFile}

var ErrNotFound = errors.New("project not found")

type Project struct {
	Name          string    `json:"name"`
	Path          string    `json:"path"`
	OriginalTitle string    `json:"originalTitle"`
	Linked        bool      `json:"linked"`
	Translated    bool      `json:"translated"`
	Episodes      []Episode `json:"episodes"`
}

// Episode is a view of one numbered directory. It has no identity beyond
// its position.
type Episode struct {
	Index      int    `json:"index"`
	Title      string `json:"title"`
	Translated string `json:"translated,omitempty"`
	URL        string `json:"url"`
	Dir        string `json:"dir"`
	// Files are the canonical files present on disk.
	Files []string `json:"files"`
}

// File returns the path of a canonical file in the episode directory.
func (e Episode) File(name string) string {
	return filepath.Join(e.Dir, name)
}

func episodeDir(root string, k int) string {
	return filepath.Join(root, strconv.Itoa(k))
}

// Load reads the project at dir and checks its invariants: a parseable
// titles file, exactly one original-title marker, no other text files and
// episode directories numbered 1..N with N from the titles file.
func Load(dir string) (Project, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Project{}, fault.Wrap(fault.KindValidation, ErrNotFound, "project not found: %s", dir)
		}
		return Project{}, fault.Wrap(fault.KindExternal, err, "cannot read project %s", dir)
	}

	var (
		markers  []string
		episodes = map[int]bool{}
	)
	hasTitles := false
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			if k, err := strconv.Atoi(name); err == nil && k > 0 && strconv.Itoa(k) == name {
				episodes[k] = true
			}
			continue
		}
		switch {
		case name == TitlesFile:
			hasTitles = true
		case strings.EqualFold(filepath.Ext(name), ".txt"):
			markers = append(markers, name)
		}
	}
	if !hasTitles {
		return Project{}, fault.Invariant("%s has no %s", dir, TitlesFile)
	}
	if len(markers) != 1 {
		return Project{}, fault.Invariant("%s must hold exactly one original title file besides %s, found %d", dir, TitlesFile, len(markers))
	}

	t, err := readTitles(dir)
	if err != nil {
		return Project{}, err
	}
	n := t.Len()
	if len(episodes) != n {
		return Project{}, fault.Invariant("%s has %d episode directories but %d titles", dir, len(episodes), n)
	}
	for k := 1; k <= n; k++ {
		if !episodes[k] {
			return Project{}, fault.Invariant("%s is missing episode directory %d", dir, k)
		}
	}

	p := Project{
		Name:          filepath.Base(dir),
		Path:          dir,
		OriginalTitle: strings.TrimSuffix(markers[0], filepath.Ext(markers[0])),
		Translated:    t.Translated,
		Episodes:      make([]Episode, n),
	}
	for k := 1; k <= n; k++ {
		e := t.Entries[k-1]
		ep := Episode{
			Index:      k,
			Title:      t.Lines[k-1],
			Translated: e.Translated,
			URL:        e.URL,
			Dir:        episodeDir(dir, k),
		}
		for _, f := range EpisodeFiles {
			if _, err := os.Stat(ep.File(f)); err == nil {
				ep.Files = append(ep.Files, f)
			}
		}
		p.Episodes[k-1] = ep
	}
	return p, nil
}

func readTitles(dir string) (Titles, error) {
	data, err := os.ReadFile(filepath.Join(dir, TitlesFile))
	if err != nil {
		return Titles{}, fault.Wrap(fault.KindExternal, err, "cannot read %s", TitlesFile)
	}
	t, err := ParseTitles(string(data))
	if err != nil {
		return Titles{}, fault.Wrap(fault.KindInvariant, err, "malformed %s in %s", TitlesFile, dir)
	}
	return t, nil
}

// IsProject reports whether dir satisfies the project invariants.
func IsProject(dir string) bool {
	_, err := Load(dir)
	return err == nil
}

func sortByName(ps []Project) {
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].Name < ps[j].Name })
}
