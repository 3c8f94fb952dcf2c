package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"workshop/config"
	"workshop/fault"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("asciipath", config.ASCIIPath); err != nil {
		panic(err)
	}
	return v
}

// check runs the struct tags of a and turns failures into one Validation error.
func check(a any) error {
	err := validate.Struct(a)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fault.Wrap(fault.KindValidation, err, "invalid arguments")
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return fault.Wrap(fault.KindValidation, err, "invalid %s", strings.Join(fields, ", "))
}

func normPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return filepath.Clean(p)
}

type DownloadArgs struct {
	URL     string `json:"url" validate:"required,url"`
	DestDir string `json:"destDir" validate:"required"`
	// FileName is the output base name without extension; empty uses
	// download.template.
	FileName string                   `json:"fileName,omitempty"`
	Options  *config.DownloadSettings `json:"options,omitempty"`
}

func (a DownloadArgs) Key() string     { return strings.TrimSpace(a.URL) }
func (a DownloadArgs) Validate() error { return check(a) }

// Rect is a crop box in source pixels.
type Rect struct {
	X      int `json:"x" validate:"min=0"`
	Y      int `json:"y" validate:"min=0"`
	Width  int `json:"width" validate:"min=1"`
	Height int `json:"height" validate:"min=1"`
}

type ExtractArgs struct {
	VideoPath string `json:"videoPath" validate:"required"`
	// OutputPath defaults to 原文.srt next to the video.
	OutputPath string              `json:"outputPath,omitempty"`
	Lang       string              `json:"lang,omitempty"`
	Crops      []Rect              `json:"crops,omitempty" validate:"max=2,dive"`
	OCR        *config.OCRSettings `json:"ocr,omitempty"`
}

func (a ExtractArgs) Key() string     { return normPath(a.VideoPath) }
func (a ExtractArgs) Validate() error { return check(a) }

type TranslateArgs struct {
	SrtPath string `json:"srtPath" validate:"required"`
	// OutputPath defaults to 译文.srt next to the source subtitles.
	OutputPath  string   `json:"outputPath,omitempty"`
	SourceLang  string   `json:"sourceLang,omitempty"`
	TargetLang  string   `json:"targetLang,omitempty"`
	Provider    string   `json:"provider,omitempty" validate:"omitempty,oneof=openai deepseek siliconflow ollama custom"`
	Temperature *float64 `json:"temperature,omitempty" validate:"omitempty,min=0,max=2"`
}

func (a TranslateArgs) Key() string     { return normPath(a.SrtPath) }
func (a TranslateArgs) Validate() error { return check(a) }

type EncodeArgs struct {
	VideoPath    string `json:"videoPath" validate:"required"`
	SubtitlePath string `json:"subtitlePath,omitempty"`
	// OutputPath defaults to 熟肉.<format> next to the video.
	OutputPath string                 `json:"outputPath,omitempty"`
	Encode     *config.EncodeSettings `json:"encode,omitempty"`
}

func (a EncodeArgs) Key() string     { return normPath(a.VideoPath) }
func (a EncodeArgs) Validate() error { return check(a) }

// UploadArgs is the outbound video submission.
type UploadArgs struct {
	VideoPath  string   `json:"videoPath" validate:"required"`
	Cover      string   `json:"cover,omitempty"`
	Title      string   `json:"title" validate:"required,max=80"`
	Desc       string   `json:"desc,omitempty" validate:"max=2000"`
	Tags       []string `json:"tags,omitempty" validate:"max=10,dive,required,max=20"`
	Category   int      `json:"category" validate:"required,min=1"`
	IsOriginal bool     `json:"isOriginal"`
	// Source is the original video URL, required for reposts.
	Source     string `json:"source,omitempty" validate:"required_unless=IsOriginal true,omitempty,url"`
	AllowReuse bool   `json:"allowReuse"`
	// DelayPublishAt is a Unix timestamp; zero publishes immediately.
	DelayPublishAt int64 `json:"delayPublishAt,omitempty" validate:"min=0"`
}

func (a UploadArgs) Key() string { return normPath(a.VideoPath) }

func (a UploadArgs) Validate() error {
	if strings.TrimSpace(a.Title) == "" {
		return fault.Validation("title is empty")
	}
	if err := check(a); err != nil {
		return err
	}
	if a.DelayPublishAt != 0 && !time.Unix(a.DelayPublishAt, 0).After(time.Now()) {
		return fault.Validation("scheduled publish time must be in the future")
	}
	return nil
}
