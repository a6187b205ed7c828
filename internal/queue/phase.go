package queue

import (
	"time"

	"inkdrop/pkg/models"
)

// Phase is the state-specific part of a queue entry. Each lifecycle state
// carries only the fields that mean something in that state.
type Phase interface {
	State() models.QueueState
}

// Queued is waiting for a worker
type Queued struct{}

// Processing has been claimed by a worker that is resolving the download
type Processing struct{}

// Downloading is transferring bytes
type Downloading struct {
	Progress float64
	Speed    string
	ETA      *int
}

// Waiting is paused by the source, either a countdown or a rate limit
type Waiting struct {
	Progress  float64
	WaitTime  int
	WaitStart time.Time
}

// Available finished successfully and is waiting to be drained
type Available struct{}

// Failed finished with an error
type Failed struct {
	Message string
}

// Cancelled had cancellation requested while a worker held it
type Cancelled struct{}

func (Queued) State() models.QueueState      { return models.QueueQueued }
func (Processing) State() models.QueueState  { return models.QueueProcessing }
func (Downloading) State() models.QueueState { return models.QueueDownloading }
func (Waiting) State() models.QueueState     { return models.QueueWaiting }
func (Available) State() models.QueueState   { return models.QueueAvailable }
func (Failed) State() models.QueueState      { return models.QueueError }
func (Cancelled) State() models.QueueState   { return models.QueueCancelled }

// liveTransitions lists the phases a worker may move an entry into. Queued to
// processing happens only through Next.
var liveTransitions = map[models.QueueState][]models.QueueState{
	models.QueueProcessing:  {models.QueueDownloading, models.QueueWaiting, models.QueueError},
	models.QueueDownloading: {models.QueueDownloading, models.QueueWaiting, models.QueueAvailable, models.QueueError},
	models.QueueWaiting:     {models.QueueWaiting, models.QueueDownloading, models.QueueError},
}

func canMove(from, to models.QueueState) bool {
	for _, allowed := range liveTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// render serializes the entry for snapshots
func render(book models.BookInfo, phase Phase) models.BookInfo {
	info := book.Clone()
	info.Progress = 0
	info.DownloadSpeed = ""
	info.ETASeconds = nil
	info.WaitTime = nil
	info.WaitStart = nil
	info.Error = ""

	switch p := phase.(type) {
	case Downloading:
		info.Progress = p.Progress
		info.DownloadSpeed = p.Speed
		if p.ETA != nil {
			eta := *p.ETA
			info.ETASeconds = &eta
		}
	case Waiting:
		info.Progress = p.Progress
		wait := p.WaitTime
		start := p.WaitStart
		info.WaitTime = &wait
		info.WaitStart = &start
	case Available:
		info.Progress = 100
	case Failed:
		info.Error = p.Message
	}
	return info
}
