// Package playlist turns a public playlist page into a project: one episode
// per video, covers fetched, downloads queued.
package playlist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"workshop/events"
	"workshop/fault"
	"workshop/fsutil"
	"workshop/pipeline"
	"workshop/project"
	"workshop/task"
)

const TopicMilestone events.Topic = "playlist.milestone"

type Stage string

const (
	StageCreated    Stage = "created"
	StageCoversDone Stage = "covers-done"
	StageEnqueued   Stage = "enqueued"
	StageDone       Stage = "done"
)

// Milestone marks the progress of one bootstrap run. Error is only set on
// the final done milestone of a failed run.
type Milestone struct {
	RunID   string `json:"runId"`
	Stage   Stage  `json:"stage"`
	URL     string `json:"url"`
	Project string `json:"project,omitempty"`
	Error   string `json:"error,omitempty"`
}

const (
	defaultCoverWorkers = 4
	defaultHTTPTimeout  = 30 * time.Second
	maxPageSize         = 32 << 20
	maxCoverSize        = 8 << 20
)

// ProjectCreator is the slice of *project.Manager the bootstrapper needs.
type ProjectCreator interface {
	CreateWithTitles(name, originalTitle string, t project.Titles) (project.Project, error)
}

// Submitter queues download tasks; *task.Scheduler implements it.
type Submitter interface {
	Submit(args task.Args) (task.Task, error)
}

type Bootstrapper struct {
	Projects  ProjectCreator
	Downloads Submitter
	Bus       *events.Bus
	// Settings supplies the proxy and timeout.http of each run. Client, when
	// set, is used as is; it must carry a timeout.
	Settings     pipeline.SettingsSource
	Client       *http.Client
	Logger       *logrus.Logger
	CoverWorkers int
	// Fallback lists the playlist when the page has no parseable entries.
	Fallback Lister
}

// Result summarizes a finished run.
type Result struct {
	RunID         string          `json:"runId"`
	Project       project.Project `json:"project"`
	Entries       []Entry         `json:"entries"`
	CoversFailed  int             `json:"coversFailed"`
	Enqueued      []int64         `json:"enqueued"`
	SkippedDupes  int             `json:"skippedDuplicates"`
	SubmitErrored int             `json:"submitErrors"`
}

func (b *Bootstrapper) logger() *logrus.Logger {
	if b.Logger == nil {
		return logrus.StandardLogger()
	}
	return b.Logger
}

// client is resolved once per run, so settings changes apply to the next
// bootstrap without a restart.
func (b *Bootstrapper) client() (*http.Client, time.Duration) {
	timeout := defaultHTTPTimeout
	if b.Settings != nil {
		s := b.Settings.Snapshot()
		if s.Timeout.HTTP > 0 {
			timeout = s.Timeout.HTTP
		}
		if b.Client == nil {
			return s.Net.HTTPClient(timeout), timeout
		}
	}
	if b.Client != nil {
		return b.Client, timeout
	}
	return &http.Client{Timeout: timeout}, timeout
}

func (b *Bootstrapper) emit(m Milestone) {
	if b.Bus != nil {
		b.Bus.Publish(TopicMilestone, m)
	}
}

// Start runs a bootstrap in the background and returns its run id at once.
// Progress is only visible through milestones.
func (b *Bootstrapper) Start(ctx context.Context, url, name string) string {
	runID := shortuuid.New()
	go func() {
		if _, err := b.run(ctx, runID, url, name); err != nil {
			b.logger().WithFields(logrus.Fields{"run_id": runID, "url": url}).Warnf("playlist bootstrap failed: %v", err)
		}
	}()
	return runID
}

// Run bootstraps a project from the playlist at url. name overrides the
// project directory name; empty uses the playlist title.
func (b *Bootstrapper) Run(ctx context.Context, url, name string) (Result, error) {
	return b.run(ctx, shortuuid.New(), url, name)
}

func (b *Bootstrapper) run(ctx context.Context, runID, url, name string) (res Result, err error) {
	res.RunID = runID
	log := b.logger().WithFields(logrus.Fields{"run_id": runID, "url": url})
	defer func() {
		m := Milestone{RunID: runID, Stage: StageDone, URL: url, Project: res.Project.Path}
		if err != nil {
			m.Error = err.Error()
		}
		b.emit(m)
	}()

	client, timeout := b.client()
	page, err := fetch(ctx, client, url, maxPageSize)
	if err != nil {
		return res, err
	}
	title, entries := Parse(string(page))
	if len(entries) == 0 && b.Fallback != nil {
		if id := PlaylistID(url); id != "" {
			log.Info("page has no parseable entries, listing playlist through the fallback")
			lctx, cancel := context.WithTimeout(ctx, timeout)
			entries, err = b.Fallback.List(lctx, id)
			cancel()
			if err != nil {
				return res, err
			}
		}
	}
	if len(entries) == 0 {
		return res, fault.External("no playlist entries found at %s", url)
	}
	res.Entries = entries
	if title == "" {
		title = "playlist-" + runID
	}
	if strings.TrimSpace(name) == "" {
		name = title
	}

	t := project.Titles{Lines: make([]string, len(entries)), Entries: make([]project.Entry, len(entries))}
	for i, e := range entries {
		t.Lines[i] = e.Title
		t.Entries[i] = project.Entry{Title: e.Title, URL: e.URL()}
	}
	p, err := b.Projects.CreateWithTitles(sanitize(name), sanitize(title), t)
	if err != nil {
		return res, err
	}
	res.Project = p
	log = log.WithField("project", p.Path)
	log.Infof("project created with %d episodes", len(entries))
	b.emit(Milestone{RunID: runID, Stage: StageCreated, URL: url, Project: p.Path})

	res.CoversFailed = b.fetchCovers(ctx, log, client, p, entries)
	b.emit(Milestone{RunID: runID, Stage: StageCoversDone, URL: url, Project: p.Path})

	var submitErrs []error
	for i, ep := range p.Episodes {
		tk, err := b.Downloads.Submit(pipeline.DownloadArgs{
			URL:      entries[i].URL(),
			DestDir:  ep.Dir,
			FileName: strings.TrimSuffix(project.SourceVideoFile, filepath.Ext(project.SourceVideoFile)),
		})
		switch {
		case errors.Is(err, task.ErrDuplicate):
			res.SkippedDupes++
		case err != nil:
			res.SubmitErrored++
			submitErrs = append(submitErrs, fmt.Errorf("episode %d: %w", ep.Index, err))
		default:
			res.Enqueued = append(res.Enqueued, tk.ID)
		}
	}
	b.emit(Milestone{RunID: runID, Stage: StageEnqueued, URL: url, Project: p.Path})

	if len(submitErrs) > 0 {
		return res, fault.Wrap(fault.KindExternal, errors.Join(submitErrs...), "%d downloads could not be queued", len(submitErrs))
	}
	return res, nil
}

// fetchCovers stores every thumbnail as the episode cover. Failures are
// logged and counted, never fatal.
func (b *Bootstrapper) fetchCovers(ctx context.Context, log *logrus.Entry, client *http.Client, p project.Project, entries []Entry) int {
	workers := b.CoverWorkers
	if workers <= 0 {
		workers = defaultCoverWorkers
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	failed := make([]bool, len(entries))
	for i, e := range entries {
		if e.Thumbnail == "" {
			failed[i] = true
			continue
		}
		dest := p.Episodes[i].File(project.CoverFile)
		g.Go(func() error {
			data, err := fetch(gctx, client, e.Thumbnail, maxCoverSize)
			if err == nil {
				err = fsutil.WriteFileAtomic(dest, data, 0o644)
			}
			if err != nil {
				failed[i] = true
				log.WithField("episode", i+1).Warnf("cover not saved: %v", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, f := range failed {
		if f {
			n++
		}
	}
	return n
}

func fetch(ctx context.Context, client *http.Client, url string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "invalid url %s", url)
	}
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fault.Classify(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fault.New(fault.KindNetwork, "GET %s: %s", url, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fault.Wrap(fault.KindNetwork, err, "read %s", url)
	}
	return data, nil
}

// sanitize makes s usable as a single path element.
func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		if r < 0x20 {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	s = strings.TrimLeft(s, ".")
	if r := []rune(s); len(r) > 80 {
		s = strings.TrimSpace(string(r[:80]))
	}
	if s == "" {
		s = "playlist"
	}
	return s
}
