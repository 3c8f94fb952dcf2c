package task

import (
	"fmt"
	"time"

	"workshop/fault"
)

type Kind string

const (
	KindDownload  Kind = "download"
	KindExtract   Kind = "extract"
	KindTranslate Kind = "translate"
	KindEncode    Kind = "encode"
	KindUpload    Kind = "upload"
)

// Kinds lists every pipeline in display order.
var Kinds = []Kind{KindDownload, KindExtract, KindTranslate, KindEncode, KindUpload}

func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown task kind %q", s)
}

var kindLabels = map[Kind]string{
	KindDownload:  "下载",
	KindExtract:   "提取",
	KindTranslate: "翻译",
	KindEncode:    "压制",
	KindUpload:    "上传",
}

// Label is the short localized pipeline name used in user-facing messages.
func (k Kind) Label() string {
	if l, ok := kindLabels[k]; ok {
		return l
	}
	return string(k)
}

// CancelMessage is the finish message of a cancelled task.
func (k Kind) CancelMessage() string {
	return k.Label() + "已取消"
}

type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusRunning    Status = "running"
	StatusCancelling Status = "cancelling"
	StatusCancelled  Status = "cancelled"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// Live statuses hold their key in the deduplication index.
func (s Status) Live() bool {
	return s == StatusWaiting || s == StatusRunning || s == StatusCancelling
}

var allowedTransitions = map[Status]map[Status]bool{
	StatusWaiting: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusDone:       true,
		StatusFailed:     true,
		StatusCancelling: true,
		StatusWaiting:    true,
	},
	StatusCancelling: {
		StatusCancelled: true,
		StatusDone:      true,
		StatusFailed:    true,
	},
	StatusFailed:    {StatusWaiting: true},
	StatusCancelled: {StatusWaiting: true},
}

func CanTransition(from, to Status) bool {
	return allowedTransitions[from][to]
}

// Args are the pipeline-specific inputs of a task. Key is the normalized
// deduplication key.
type Args interface {
	Key() string
}

// Validator is implemented by Args that can be rejected before admission.
type Validator interface {
	Validate() error
}

type Task struct {
	ID         int64        `json:"id"`
	Kind       Kind         `json:"kind"`
	Key        string       `json:"key"`
	Args       Args         `json:"args"`
	Status     Status       `json:"status"`
	Progress   float64      `json:"progress"`
	SpeedHint  string       `json:"speedHint,omitempty"`
	StatusText string       `json:"statusText,omitempty"`
	Filename   string       `json:"filename,omitempty"`
	Message    string       `json:"message,omitempty"`
	Error      *fault.Error `json:"error,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	StartedAt  time.Time    `json:"startedAt,omitempty"`
	EndedAt    time.Time    `json:"endedAt,omitempty"`
}
