package message

import (
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Header carries provenance for a single published message.
//
// Parents lists the GUIDs of the messages that caused this one, oldest first,
// so a record can be traced back through the producer pipeline.
type Header struct {
	MessageGUID              uuid.UUID   `json:"message_guid"`
	ProducerExecutableName   string      `json:"producer_executable_name"`
	ProducerProcessID        int         `json:"producer_process_id"`
	OriginalPublishTimestamp time.Time   `json:"original_publish_timestamp"`
	Parents                  []uuid.UUID `json:"parents,omitempty"`
}

// NewHeader returns a header for a message published by the current process.
func NewHeader(parents ...Header) Header {
	h := Header{
		MessageGUID:              uuid.New(),
		ProducerExecutableName:   executableName(),
		ProducerProcessID:        os.Getpid(),
		OriginalPublishTimestamp: time.Now().UTC(),
	}
	for _, p := range parents {
		h.Parents = append(h.Parents, p.Parents...)
		h.Parents = append(h.Parents, p.MessageGUID)
	}
	return h
}

// IsZero reports whether the header was never populated.
func (h Header) IsZero() bool {
	return h.MessageGUID == uuid.Nil
}

func executableName() string {
	exe, err := os.Executable()
	if err != nil {
		return filepath.Base(os.Args[0])
	}
	return filepath.Base(exe)
}
