package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"workshop/fault"
)

// FileName is the base name of the settings file, without extension.
const FileName = "workshop"

type Settings struct {
	Tool        ToolSettings        `mapstructure:"tool" yaml:"tool" json:"tool"`
	Concurrency ConcurrencySettings `mapstructure:"concurrency" yaml:"concurrency" json:"concurrency"`
	Retry       RetrySettings       `mapstructure:"retry" yaml:"retry" json:"retry"`
	Timeout     TimeoutSettings     `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	Net         NetSettings         `mapstructure:"net" yaml:"net" json:"net"`
	Download    DownloadSettings    `mapstructure:"download" yaml:"download" json:"download"`
	OCR         OCRSettings         `mapstructure:"ocr" yaml:"ocr" json:"ocr"`
	Encode      EncodeSettings      `mapstructure:"encode" yaml:"encode" json:"encode"`
	Translate   TranslateSettings   `mapstructure:"translate" yaml:"translate" json:"translate"`
	Upload      UploadSettings      `mapstructure:"upload" yaml:"upload" json:"upload"`
	Projects    ProjectSettings     `mapstructure:"projects" yaml:"projects" json:"projects"`
	Throttle    ThrottleSettings    `mapstructure:"throttle" yaml:"throttle" json:"throttle"`
	API         APISettings         `mapstructure:"api" yaml:"api" json:"api"`
	History     HistorySettings     `mapstructure:"history" yaml:"history" json:"history"`
	Log         LogSettings         `mapstructure:"log" yaml:"log" json:"log"`
}

type ToolPath struct {
	Path string `mapstructure:"path" yaml:"path" json:"path"`
}

type OCRToolPath struct {
	Path    string   `mapstructure:"path" yaml:"path" json:"path" validate:"omitempty,asciipath"`
	Support ToolPath `mapstructure:"support" yaml:"support" json:"support"`
}

type ToolSettings struct {
	Downloader ToolPath    `mapstructure:"downloader" yaml:"downloader" json:"downloader"`
	OCR        OCRToolPath `mapstructure:"ocr" yaml:"ocr" json:"ocr"`
	Transcoder ToolPath    `mapstructure:"transcoder" yaml:"transcoder" json:"transcoder"`
	Uploader   ToolPath    `mapstructure:"uploader" yaml:"uploader" json:"uploader"`
}

type ConcurrencySettings struct {
	Download  int `mapstructure:"download" yaml:"download" json:"download" validate:"min=1,max=16"`
	Extract   int `mapstructure:"extract" yaml:"extract" json:"extract" validate:"min=1,max=16"`
	Translate int `mapstructure:"translate" yaml:"translate" json:"translate" validate:"min=1,max=16"`
	Encode    int `mapstructure:"encode" yaml:"encode" json:"encode" validate:"min=1,max=16"`
	Upload    int `mapstructure:"upload" yaml:"upload" json:"upload" validate:"min=1,max=16"`
}

// For returns the limit configured for a pipeline name.
func (c ConcurrencySettings) For(kind string) int {
	switch kind {
	case "download":
		return c.Download
	case "extract":
		return c.Extract
	case "translate":
		return c.Translate
	case "encode":
		return c.Encode
	case "upload":
		return c.Upload
	}
	return 1
}

// Set changes the limit of one pipeline. Unknown names are ignored.
func (c *ConcurrencySettings) Set(kind string, n int) {
	switch kind {
	case "download":
		c.Download = n
	case "extract":
		c.Extract = n
	case "translate":
		c.Translate = n
	case "encode":
		c.Encode = n
	case "upload":
		c.Upload = n
	}
}

type RetrySettings struct {
	Attempts int `mapstructure:"attempts" yaml:"attempts" json:"attempts" validate:"min=0,max=10"`
}

// TimeoutSettings bound each pipeline run. Zero disables the limit.
type TimeoutSettings struct {
	Download  time.Duration `mapstructure:"download" yaml:"download" json:"download" validate:"min=0"`
	Extract   time.Duration `mapstructure:"extract" yaml:"extract" json:"extract" validate:"min=0"`
	Translate time.Duration `mapstructure:"translate" yaml:"translate" json:"translate" validate:"min=0"`
	Encode    time.Duration `mapstructure:"encode" yaml:"encode" json:"encode" validate:"min=0"`
	Upload    time.Duration `mapstructure:"upload" yaml:"upload" json:"upload" validate:"min=0"`
	Probe     time.Duration `mapstructure:"probe" yaml:"probe" json:"probe" validate:"min=0"`
	HTTP      time.Duration `mapstructure:"http" yaml:"http" json:"http" validate:"min=0"`
}

func (t TimeoutSettings) For(kind string) time.Duration {
	switch kind {
	case "download":
		return t.Download
	case "extract":
		return t.Extract
	case "translate":
		return t.Translate
	case "encode":
		return t.Encode
	case "upload":
		return t.Upload
	}
	return 0
}

// MarshalYAML writes durations in their human form so the loader's duration
// hook reads them back.
func (t TimeoutSettings) MarshalYAML() (any, error) {
	return map[string]string{
		"download":  t.Download.String(),
		"extract":   t.Extract.String(),
		"translate": t.Translate.String(),
		"encode":    t.Encode.String(),
		"upload":    t.Upload.String(),
		"probe":     t.Probe.String(),
		"http":      t.HTTP.String(),
	}, nil
}

type ProxySettings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	URL     string `mapstructure:"url" yaml:"url" json:"url" validate:"required_if=Enabled true,omitempty,url"`
}

type NetSettings struct {
	Proxy ProxySettings `mapstructure:"proxy" yaml:"proxy" json:"proxy"`
}

// ProxyURL is the proxy to hand to tools and HTTP clients, or "".
func (n NetSettings) ProxyURL() string {
	if !n.Proxy.Enabled {
		return ""
	}
	return n.Proxy.URL
}

type CookieSettings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Path    string `mapstructure:"path" yaml:"path" json:"path" validate:"required_if=Enabled true"`
}

type DownloadSettings struct {
	Quality       string         `mapstructure:"quality" yaml:"quality" json:"quality" validate:"oneof=best 2160 1440 1080 720 480 360 audio"`
	WriteSubs     bool           `mapstructure:"writeSubs" yaml:"writeSubs" json:"writeSubs"`
	SubLangs      string         `mapstructure:"subLangs" yaml:"subLangs" json:"subLangs"`
	EmbedSubs     bool           `mapstructure:"embedSubs" yaml:"embedSubs" json:"embedSubs"`
	WriteThumb    bool           `mapstructure:"writeThumb" yaml:"writeThumb" json:"writeThumb"`
	EmbedThumb    bool           `mapstructure:"embedThumb" yaml:"embedThumb" json:"embedThumb"`
	WriteInfoJSON bool           `mapstructure:"writeInfoJson" yaml:"writeInfoJson" json:"writeInfoJson"`
	Template      string         `mapstructure:"template" yaml:"template" json:"template" validate:"required"`
	Cookies       CookieSettings `mapstructure:"cookies" yaml:"cookies" json:"cookies"`
	// RateLimit in bytes per second, 0 for unlimited.
	RateLimit int64  `mapstructure:"rateLimit" yaml:"rateLimit" json:"rateLimit" validate:"min=0"`
	ExtraArgs string `mapstructure:"extraArgs" yaml:"extraArgs" json:"extraArgs"`
	Probe     bool   `mapstructure:"probe" yaml:"probe" json:"probe"`
}

type OCRSettings struct {
	Lang                string  `mapstructure:"lang" yaml:"lang" json:"lang" validate:"required"`
	TimeStart           string  `mapstructure:"timeStart" yaml:"timeStart" json:"timeStart"`
	TimeEnd             string  `mapstructure:"timeEnd" yaml:"timeEnd" json:"timeEnd"`
	ConfThreshold       int     `mapstructure:"confThreshold" yaml:"confThreshold" json:"confThreshold" validate:"min=0,max=100"`
	SimThreshold        int     `mapstructure:"simThreshold" yaml:"simThreshold" json:"simThreshold" validate:"min=0,max=100"`
	SSIMThreshold       int     `mapstructure:"ssimThreshold" yaml:"ssimThreshold" json:"ssimThreshold" validate:"min=0,max=100"`
	MaxMergeGap         float64 `mapstructure:"maxMergeGap" yaml:"maxMergeGap" json:"maxMergeGap" validate:"min=0"`
	OCRImageMaxWidth    int     `mapstructure:"ocrImageMaxWidth" yaml:"ocrImageMaxWidth" json:"ocrImageMaxWidth" validate:"min=0"`
	FramesToSkip        int     `mapstructure:"framesToSkip" yaml:"framesToSkip" json:"framesToSkip" validate:"min=0"`
	MinSubtitleDuration float64 `mapstructure:"minSubtitleDuration" yaml:"minSubtitleDuration" json:"minSubtitleDuration" validate:"min=0"`
	UseGPU              bool    `mapstructure:"useGpu" yaml:"useGpu" json:"useGpu"`
	DualZone            bool    `mapstructure:"dualZone" yaml:"dualZone" json:"dualZone"`
	PostProcessing      bool    `mapstructure:"postProcessing" yaml:"postProcessing" json:"postProcessing"`
	UseServerModel      bool    `mapstructure:"useServerModel" yaml:"useServerModel" json:"useServerModel"`
}

type HWAccelSettings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Kind    string `mapstructure:"kind" yaml:"kind" json:"kind" validate:"oneof=auto cuda qsv vaapi videotoolbox d3d11va"`
}

type AQSettings struct {
	Mode     int     `mapstructure:"mode" yaml:"mode" json:"mode" validate:"min=0,max=3"`
	Strength float64 `mapstructure:"strength" yaml:"strength" json:"strength" validate:"min=0,max=3"`
}

type AdvancedEncodeSettings struct {
	Enabled   bool       `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Ref       int        `mapstructure:"ref" yaml:"ref" json:"ref" validate:"min=0,max=16"`
	BFrames   int        `mapstructure:"bframes" yaml:"bframes" json:"bframes" validate:"min=0,max=16"`
	Keyint    int        `mapstructure:"keyint" yaml:"keyint" json:"keyint" validate:"min=0"`
	MinKeyint int        `mapstructure:"minkeyint" yaml:"minkeyint" json:"minkeyint" validate:"min=0"`
	Scenecut  int        `mapstructure:"scenecut" yaml:"scenecut" json:"scenecut" validate:"min=0,max=100"`
	QComp     float64    `mapstructure:"qcomp" yaml:"qcomp" json:"qcomp" validate:"min=0,max=1"`
	AQ        AQSettings `mapstructure:"aq" yaml:"aq" json:"aq"`
}

type EncodeSettings struct {
	Codec        string                 `mapstructure:"codec" yaml:"codec" json:"codec" validate:"oneof=libx264 libx265 h264_nvenc hevc_nvenc h264_qsv hevc_qsv h264_videotoolbox hevc_videotoolbox"`
	CRF          int                    `mapstructure:"crf" yaml:"crf" json:"crf" validate:"min=0,max=51"`
	Preset       string                 `mapstructure:"preset" yaml:"preset" json:"preset" validate:"oneof=ultrafast superfast veryfast faster fast medium slow slower veryslow"`
	AudioMode    string                 `mapstructure:"audioMode" yaml:"audioMode" json:"audioMode" validate:"oneof=copy encode none"`
	AudioCodec   string                 `mapstructure:"audioCodec" yaml:"audioCodec" json:"audioCodec" validate:"oneof=aac libopus libmp3lame"`
	AudioBitrate string                 `mapstructure:"audioBitrate" yaml:"audioBitrate" json:"audioBitrate"`
	Scale        string                 `mapstructure:"scale" yaml:"scale" json:"scale"`
	FPS          int                    `mapstructure:"fps" yaml:"fps" json:"fps" validate:"min=0,max=240"`
	Bitrate      string                 `mapstructure:"bitrate" yaml:"bitrate" json:"bitrate"`
	OutputFormat string                 `mapstructure:"outputFormat" yaml:"outputFormat" json:"outputFormat" validate:"oneof=mp4 mkv mov"`
	Overwrite    bool                   `mapstructure:"overwrite" yaml:"overwrite" json:"overwrite"`
	HWAccel      HWAccelSettings        `mapstructure:"hwAccel" yaml:"hwAccel" json:"hwAccel"`
	Advanced     AdvancedEncodeSettings `mapstructure:"advanced" yaml:"advanced" json:"advanced"`
	ExtraArgs    string                 `mapstructure:"extraArgs" yaml:"extraArgs" json:"extraArgs"`
}

type TranslateSettings struct {
	Provider        string  `mapstructure:"provider" yaml:"provider" json:"provider" validate:"oneof=openai deepseek siliconflow ollama custom"`
	APIKey          string  `mapstructure:"apiKey" yaml:"apiKey" json:"-"`
	BaseURL         string  `mapstructure:"baseUrl" yaml:"baseUrl" json:"baseUrl" validate:"omitempty,url"`
	CustomModelName string  `mapstructure:"customModelName" yaml:"customModelName" json:"customModelName"`
	PromptTemplate  string  `mapstructure:"promptTemplate" yaml:"promptTemplate" json:"promptTemplate" validate:"required"`
	Temperature     float64 `mapstructure:"temperature" yaml:"temperature" json:"temperature" validate:"min=0,max=2"`
	SourceLang      string  `mapstructure:"sourceLang" yaml:"sourceLang" json:"sourceLang" validate:"required"`
	TargetLang      string  `mapstructure:"targetLang" yaml:"targetLang" json:"targetLang" validate:"required"`
	BatchSize       int     `mapstructure:"batchSize" yaml:"batchSize" json:"batchSize" validate:"min=1,max=500"`
}

// UploadSettings are the video platform session credentials.
type UploadSettings struct {
	Sessdata string `mapstructure:"sessdata" yaml:"sessdata" json:"-"`
	BiliJct  string `mapstructure:"biliJct" yaml:"biliJct" json:"-"`
	Buvid3   string `mapstructure:"buvid3" yaml:"buvid3" json:"-"`
}

func (u UploadSettings) Complete() bool {
	return u.Sessdata != "" && u.BiliJct != ""
}

type ProjectSettings struct {
	Root   string   `mapstructure:"root" yaml:"root" json:"root" validate:"required"`
	Linked []string `mapstructure:"linked" yaml:"linked" json:"linked"`
}

// ThrottleSettings gate encode admission on host resources.
type ThrottleSettings struct {
	// CPU is the minimum idle CPU percentage; 0 disables the check.
	CPU      float64 `mapstructure:"cpu" yaml:"cpu" json:"cpu" validate:"min=0,max=100"`
	FreeMem  int64   `mapstructure:"freeMem" yaml:"freeMem" json:"freeMem" validate:"min=0"`
	FreeDisk int64   `mapstructure:"freeDisk" yaml:"freeDisk" json:"freeDisk" validate:"min=0"`
}

type APISettings struct {
	Listen     string `mapstructure:"listen" yaml:"listen" json:"listen" validate:"required"`
	AuthEnable bool   `mapstructure:"authEnable" yaml:"authEnable" json:"authEnable"`
	AuthKey    string `mapstructure:"authKey" yaml:"authKey" json:"-" validate:"required_if=AuthEnable true"`
}

type HistorySettings struct {
	Path string `mapstructure:"path" yaml:"path" json:"path"`
}

type LogSettings struct {
	Level string `mapstructure:"level" yaml:"level" json:"level" validate:"oneof=trace debug info warn error"`
}

const defaultPrompt = "You are a professional subtitle translator. Translate the following SubRip subtitles " +
	"from {source} to {target}. Keep every index and timestamp unchanged, translate only the text lines, " +
	"and output valid SRT with nothing else."

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("tool.downloader.path", "yt-dlp")
	vp.SetDefault("tool.ocr.path", "videocr-cli")
	vp.SetDefault("tool.ocr.support.path", "")
	vp.SetDefault("tool.transcoder.path", "ffmpeg")
	vp.SetDefault("tool.uploader.path", "biliup")

	for _, k := range []string{"download", "extract", "translate", "encode", "upload"} {
		vp.SetDefault("concurrency."+k, 1)
	}
	vp.SetDefault("concurrency.download", 3)
	vp.SetDefault("retry.attempts", 3)

	vp.SetDefault("timeout.download", "0s")
	vp.SetDefault("timeout.extract", "0s")
	vp.SetDefault("timeout.translate", "30m")
	vp.SetDefault("timeout.encode", "0s")
	vp.SetDefault("timeout.upload", "2h")
	vp.SetDefault("timeout.probe", "5s")
	vp.SetDefault("timeout.http", "30s")

	vp.SetDefault("net.proxy.enabled", false)
	vp.SetDefault("net.proxy.url", "")

	vp.SetDefault("download.quality", "best")
	vp.SetDefault("download.writeSubs", false)
	vp.SetDefault("download.subLangs", "en")
	vp.SetDefault("download.embedSubs", false)
	vp.SetDefault("download.writeThumb", false)
	vp.SetDefault("download.embedThumb", false)
	vp.SetDefault("download.writeInfoJson", false)
	vp.SetDefault("download.template", "%(title)s.%(ext)s")
	vp.SetDefault("download.cookies.enabled", false)
	vp.SetDefault("download.cookies.path", "")
	vp.SetDefault("download.rateLimit", 0)
	vp.SetDefault("download.extraArgs", "")
	vp.SetDefault("download.probe", true)

	vp.SetDefault("ocr.lang", "ch")
	vp.SetDefault("ocr.timeStart", "")
	vp.SetDefault("ocr.timeEnd", "")
	vp.SetDefault("ocr.confThreshold", 75)
	vp.SetDefault("ocr.simThreshold", 80)
	vp.SetDefault("ocr.ssimThreshold", 92)
	vp.SetDefault("ocr.maxMergeGap", 0.09)
	vp.SetDefault("ocr.ocrImageMaxWidth", 960)
	vp.SetDefault("ocr.framesToSkip", 1)
	vp.SetDefault("ocr.minSubtitleDuration", 0.2)
	vp.SetDefault("ocr.useGpu", false)
	vp.SetDefault("ocr.dualZone", false)
	vp.SetDefault("ocr.postProcessing", false)
	vp.SetDefault("ocr.useServerModel", false)

	vp.SetDefault("encode.codec", "libx264")
	vp.SetDefault("encode.crf", 23)
	vp.SetDefault("encode.preset", "medium")
	vp.SetDefault("encode.audioMode", "copy")
	vp.SetDefault("encode.audioCodec", "aac")
	vp.SetDefault("encode.audioBitrate", "192k")
	vp.SetDefault("encode.scale", "")
	vp.SetDefault("encode.fps", 0)
	vp.SetDefault("encode.bitrate", "")
	vp.SetDefault("encode.outputFormat", "mp4")
	vp.SetDefault("encode.overwrite", true)
	vp.SetDefault("encode.hwAccel.enabled", false)
	vp.SetDefault("encode.hwAccel.kind", "auto")
	vp.SetDefault("encode.advanced.enabled", false)
	vp.SetDefault("encode.advanced.ref", 4)
	vp.SetDefault("encode.advanced.bframes", 3)
	vp.SetDefault("encode.advanced.keyint", 250)
	vp.SetDefault("encode.advanced.minkeyint", 25)
	vp.SetDefault("encode.advanced.scenecut", 40)
	vp.SetDefault("encode.advanced.qcomp", 0.6)
	vp.SetDefault("encode.advanced.aq.mode", 1)
	vp.SetDefault("encode.advanced.aq.strength", 1.0)
	vp.SetDefault("encode.extraArgs", "")

	vp.SetDefault("translate.provider", "openai")
	vp.SetDefault("translate.apiKey", "")
	vp.SetDefault("translate.baseUrl", "")
	vp.SetDefault("translate.customModelName", "")
	vp.SetDefault("translate.promptTemplate", defaultPrompt)
	vp.SetDefault("translate.temperature", 0.7)
	vp.SetDefault("translate.sourceLang", "English")
	vp.SetDefault("translate.targetLang", "简体中文")
	vp.SetDefault("translate.batchSize", 50)

	vp.SetDefault("upload.sessdata", "")
	vp.SetDefault("upload.biliJct", "")
	vp.SetDefault("upload.buvid3", "")

	vp.SetDefault("projects.root", "projects")
	vp.SetDefault("projects.linked", []string{})

	vp.SetDefault("throttle.cpu", 0.0)
	vp.SetDefault("throttle.freeMem", "200MB")
	vp.SetDefault("throttle.freeDisk", "500MB")

	vp.SetDefault("api.listen", "127.0.0.1:8080")
	vp.SetDefault("api.authEnable", false)
	vp.SetDefault("api.authKey", "")

	vp.SetDefault("history.path", "workshop.db")
	vp.SetDefault("log.level", "info")
}

// stringToDurationHookFunc parses Go duration strings into time.Duration.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc parses human-readable sizes ("200MB") into int64 bytes.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}
		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(data.(string))); err != nil {
			// Not a size, let mapstructure report the mismatch.
			return data, nil
		}
		return int64(size.Bytes()), nil
	}
}

func decode(vp *viper.Viper) (Settings, error) {
	var s Settings
	err := vp.Unmarshal(&s, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	return s, err
}

func newViper() *viper.Viper {
	vp := viper.New()
	setDefaults(vp)
	vp.SetEnvPrefix("WORKSHOP")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()
	return vp
}

// Defaults returns the built-in settings, ignoring files and environment.
func Defaults() Settings {
	vp := viper.New()
	setDefaults(vp)
	s, err := decode(vp)
	if err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return s
}

// Load reads settings from path, or from workshop.yaml in the working
// directory and the user config directory when path is empty. A missing
// file is not an error. It returns the file the settings should be saved to.
func Load(path string) (Settings, string, error) {
	vp := newViper()
	if path != "" {
		vp.SetConfigFile(path)
	} else {
		vp.SetConfigName(FileName)
		vp.SetConfigType("yaml")
		vp.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			vp.AddConfigPath(filepath.Join(dir, FileName))
		}
	}

	if err := vp.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return Settings{}, "", fault.Wrap(fault.KindConfiguration, err, "read settings file")
		}
	}

	saveTo := vp.ConfigFileUsed()
	if saveTo == "" {
		saveTo = path
	}
	if saveTo == "" {
		saveTo = FileName + ".yaml"
	}

	s, err := decode(vp)
	if err != nil {
		return Settings{}, "", fault.Wrap(fault.KindConfiguration, err, "decode settings")
	}
	if err := Validate(s); err != nil {
		return Settings{}, "", err
	}
	return s, saveTo, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("asciipath", ASCIIPath); err != nil {
		panic(err)
	}
	return v
}

// ASCIIPath rejects strings with bytes outside ASCII. Some OCR tools fail
// on such paths without a useful message.
func ASCIIPath(fl validator.FieldLevel) bool {
	return IsASCII(fl.Field().String())
}

func IsASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// Validate checks every bound and option set, reporting all offending keys.
func Validate(s Settings) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fault.Wrap(fault.KindConfiguration, err, "invalid settings")
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", strings.TrimPrefix(fe.Namespace(), "Settings."), fe.Tag()))
	}
	return fault.Wrap(fault.KindConfiguration, err, "invalid settings: %s", strings.Join(fields, ", "))
}
