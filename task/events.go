package task

import (
	"workshop/events"
	"workshop/fault"
)

const (
	TopicAdded   events.Topic = "task.added"
	TopicStatus  events.Topic = "task.status"
	TopicRemoved events.Topic = "task.removed"
	// TopicTranslateUpdate carries streamed translation text.
	TopicTranslateUpdate events.Topic = "translate.update"
)

func ProgressTopic(k Kind) events.Topic { return events.Topic(string(k) + ".progress") }
func FinishedTopic(k Kind) events.Topic { return events.Topic(string(k) + ".finished") }
func OutputTopic(k Kind) events.Topic   { return events.Topic(string(k) + ".stdout") }

type Added struct {
	Kind   Kind   `json:"kind"`
	TaskID int64  `json:"taskId"`
	Key    string `json:"key"`
}

type Removed struct {
	Kind   Kind  `json:"kind"`
	TaskID int64 `json:"taskId"`
}

type StatusChanged struct {
	Kind   Kind   `json:"kind"`
	TaskID int64  `json:"taskId"`
	From   Status `json:"from"`
	To     Status `json:"to"`
}

type ProgressEvent struct {
	Kind     Kind    `json:"kind"`
	TaskID   int64   `json:"taskId"`
	Percent  float64 `json:"percent"`
	Speed    string  `json:"speed,omitempty"`
	Status   string  `json:"status,omitempty"`
	Filename string  `json:"filename,omitempty"`
}

type FinishedEvent struct {
	Kind      Kind       `json:"kind"`
	TaskID    int64      `json:"taskId"`
	Key       string     `json:"key"`
	Success   bool       `json:"success"`
	Status    Status     `json:"status"`
	Message   string     `json:"message"`
	ErrorKind fault.Kind `json:"errorKind,omitempty"`
}

type OutputEvent struct {
	Kind   Kind   `json:"kind"`
	TaskID int64  `json:"taskId"`
	Stream string `json:"stream"`
	Line   string `json:"line"`
}

type ChunkEvent struct {
	Kind   Kind   `json:"kind"`
	TaskID int64  `json:"taskId"`
	Chunk  string `json:"chunk"`
}
