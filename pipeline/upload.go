package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/lithammer/shortuuid/v4"

	"workshop/config"
	"workshop/fault"
	"workshop/process"
	"workshop/progress"
	"workshop/task"
)

var reBVID = regexp.MustCompile(`\bBV[0-9A-Za-z]{10}\b`)

// UploadRequest is one submission handed to an upload client.
type UploadRequest struct {
	Args        UploadArgs
	Credentials config.UploadSettings
}

// UploadClient pushes a video to the platform, reporting progress through
// onProgress, and returns the published video id.
type UploadClient interface {
	Upload(ctx context.Context, req UploadRequest, onProgress func(progress.Update)) (string, error)
}

type UploadWorker struct {
	Deps
	// Client overrides the command line uploader built from settings.
	Client UploadClient
}

func (w *UploadWorker) Run(ctx context.Context, t task.Task, r task.Reporter) (string, error) {
	a, err := argsOf[UploadArgs](t)
	if err != nil {
		return "", err
	}
	s := w.Settings.Snapshot()
	if !s.Upload.Complete() {
		return "", fault.Configuration("upload credentials are missing: set upload.sessdata and upload.biliJct")
	}
	if _, err := os.Stat(a.Key()); err != nil {
		return "", fault.Wrap(fault.KindExternal, err, "video not found: %s", a.Key())
	}

	client := w.Client
	if client == nil {
		bin, err := w.lookTool("uploader", s.Tool.Uploader.Path)
		if err != nil {
			return "", err
		}
		client = &CLIUploader{Exec: w.Exec, Bin: bin}
	}

	w.entry(t).WithField("title", a.Title).Info("starting upload")
	id, err := client.Upload(ctx, UploadRequest{Args: a, Credentials: s.Upload}, r.Progress)
	if err != nil {
		return "", err
	}
	r.Progress(progress.Update{Percent: 100, Status: "published"})
	return id, nil
}

// CLIUploader drives the biliup command line client. Credentials are written
// to a short-lived cookie file that is removed when the upload ends.
type CLIUploader struct {
	Exec process.Executor
	Bin  string
	// TempDir holds the cookie file; empty uses the system temp dir.
	TempDir string
}

func (u *CLIUploader) Upload(ctx context.Context, req UploadRequest, onProgress func(progress.Update)) (string, error) {
	cookies, err := u.writeCookies(req.Credentials)
	if err != nil {
		return "", err
	}
	defer os.Remove(cookies)

	parser := progress.NewUploadParser()
	var id string
	cmd := process.Command{Path: u.Bin, Args: UploadCommandArgs(cookies, req.Args)}
	err = u.Exec.Run(ctx, cmd, func(stream process.Stream, line string) {
		if id == "" {
			id = reBVID.FindString(line)
		}
		if p, ok := parser.Parse(stream, line); ok {
			onProgress(p)
		}
	})
	if err := classifyRun(ctx, cmd, err, ""); err != nil {
		return "", err
	}
	if id == "" {
		return "", fault.External("upload finished without a video id")
	}
	return id, nil
}

type cookieFile struct {
	CookieInfo struct {
		Cookies []cookie `json:"cookies"`
	} `json:"cookie_info"`
}

type cookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (u *CLIUploader) writeCookies(c config.UploadSettings) (string, error) {
	var cf cookieFile
	cf.CookieInfo.Cookies = []cookie{
		{Name: "SESSDATA", Value: c.Sessdata},
		{Name: "bili_jct", Value: c.BiliJct},
	}
	if c.Buvid3 != "" {
		cf.CookieInfo.Cookies = append(cf.CookieInfo.Cookies, cookie{Name: "buvid3", Value: c.Buvid3})
	}
	data, err := json.Marshal(cf)
	if err != nil {
		return "", fault.Wrap(fault.KindInternal, err, "encode cookies")
	}

	dir := u.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, ".workshop-cookies-"+shortuuid.New()+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fault.Wrap(fault.KindConfiguration, err, "cannot write cookie file")
	}
	return path, nil
}

// UploadCommandArgs renders the uploader argv for a.
func UploadCommandArgs(cookies string, a UploadArgs) []string {
	copyright := "2"
	if a.IsOriginal {
		copyright = "1"
	}
	args := []string{
		"-u", cookies,
		"upload",
		"--title", a.Title,
		"--desc", a.Desc,
		"--tid", strconv.Itoa(a.Category),
		"--copyright", copyright,
	}
	if len(a.Tags) > 0 {
		args = append(args, "--tag", strings.Join(a.Tags, ","))
	}
	if !a.IsOriginal && a.Source != "" {
		args = append(args, "--source", a.Source)
	}
	if a.Cover != "" {
		args = append(args, "--cover", a.Cover)
	}
	if a.DelayPublishAt > 0 {
		args = append(args, "--dtime", strconv.FormatInt(a.DelayPublishAt, 10))
	}
	if !a.AllowReuse {
		args = append(args, "--no-reprint", "1")
	}
	return append(args, a.Key())
}
