package progress

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Kind classifies a progress message.
type Kind int

const (
	KindTotal Kind = iota
	KindJobDone
	KindJobFailed
	KindComplete
	KindCleanup
	KindCleanupFailed
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindTotal:
		return "total"
	case KindJobDone:
		return "job_done"
	case KindJobFailed:
		return "job_failed"
	case KindComplete:
		return "complete"
	case KindCleanup:
		return "cleanup"
	case KindCleanupFailed:
		return "cleanup_failed"
	default:
		return "unknown"
	}
}

// Message is one human readable status line emitted during a run.
type Message struct {
	Kind  Kind
	Text  string
	Total int // only set for KindTotal
}

// String returns the status text.
func (m Message) String() string {
	return m.Text
}

// Sink receives progress messages. Send must not block on a slow or absent
// consumer; a returned error only means the message was dropped.
type Sink interface {
	Send(msg Message) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(msg Message) error

// Send calls f(msg).
func (f SinkFunc) Send(msg Message) error {
	return f(msg)
}

// Multi returns a Sink that forwards every message to all sinks.
func Multi(sinks ...Sink) Sink {
	return multiSink(sinks)
}

type multiSink []Sink

func (m multiSink) Send(msg Message) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log returns a Sink that writes every message to log at debug level.
func Log(log logrus.FieldLogger) Sink {
	return SinkFunc(func(msg Message) error {
		log.WithField("progress", msg.Kind.String()).Debug(msg.Text)
		return nil
	})
}

// Total announces how many jobs a run is about to process.
func Total(n int) Message {
	return Message{Kind: KindTotal, Text: fmt.Sprintf("Total file count: %d", n), Total: n}
}

// JobDone reports a compressed file by its output name.
func JobDone(fileName string) Message {
	return Message{Kind: KindJobDone, Text: "Compress complete! File: " + fileName}
}

// JobFailed reports a job that did not produce a compressed file.
func JobFailed(err error) Message {
	return Message{Kind: KindJobFailed, Text: err.Error()}
}

// Complete is sent once every worker has finished.
func Complete() Message {
	return Message{Kind: KindComplete, Text: "Compress complete!"}
}

// Cleanup reports that the source directories were removed.
func Cleanup() Message {
	return Message{Kind: KindCleanup, Text: "Delete original directories complete!"}
}

// CleanupFailed reports why the source directories were kept.
func CleanupFailed(err error) Message {
	return Message{Kind: KindCleanupFailed, Text: fmt.Sprintf("Cannot delete original directories! %v", err)}
}
