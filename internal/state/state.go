package state

// State is the lifecycle of one download. Exactly one State exists per
// download id at any time; new values are only ever produced by Machine.
type State interface {
	isState()
}

type Idle struct{}

type Queued struct{}

type Running struct {
	Progress        int
	DownloadedBytes int64
	TotalBytes      int64
}

type Paused struct{}

type Completed struct {
	LocalPath string
	FileSize  int64
}

type Failed struct {
	Reason string
}

type Cancelled struct{}

func (Idle) isState()      {}
func (Queued) isState()    {}
func (Running) isState()   {}
func (Paused) isState()    {}
func (Completed) isState() {}
func (Failed) isState()    {}
func (Cancelled) isState() {}

// Command is a user intent addressed to one download.
type Command interface {
	isCommand()
	DownloadID() string
}

type Start struct {
	ID       string
	MediaRef string
	URL      string
	FileName string
}

type Pause struct {
	ID string
}

type Resume struct {
	ID string
}

type Cancel struct {
	ID string
}

type Remove struct {
	ID string
}

func (Start) isCommand()  {}
func (Pause) isCommand()  {}
func (Resume) isCommand() {}
func (Cancel) isCommand() {}
func (Remove) isCommand() {}

func (c Start) DownloadID() string  { return c.ID }
func (c Pause) DownloadID() string  { return c.ID }
func (c Resume) DownloadID() string { return c.ID }
func (c Cancel) DownloadID() string { return c.ID }
func (c Remove) DownloadID() string { return c.ID }

// Event is a scheduler-origin fact about one download's work unit.
type Event interface {
	isEvent()
	DownloadID() string
}

type WorkEnqueued struct {
	ID string
}

type WorkStarted struct {
	ID string
}

type ProgressUpdated struct {
	ID              string
	Progress        int
	DownloadedBytes int64
	TotalBytes      int64
}

type WorkCompleted struct {
	ID        string
	LocalPath string
	FileSize  int64
}

type WorkFailed struct {
	ID     string
	Reason string
}

type WorkCancelled struct {
	ID string
}

func (WorkEnqueued) isEvent()    {}
func (WorkStarted) isEvent()     {}
func (ProgressUpdated) isEvent() {}
func (WorkCompleted) isEvent()   {}
func (WorkFailed) isEvent()      {}
func (WorkCancelled) isEvent()   {}

func (e WorkEnqueued) DownloadID() string    { return e.ID }
func (e WorkStarted) DownloadID() string     { return e.ID }
func (e ProgressUpdated) DownloadID() string { return e.ID }
func (e WorkCompleted) DownloadID() string   { return e.ID }
func (e WorkFailed) DownloadID() string      { return e.ID }
func (e WorkCancelled) DownloadID() string   { return e.ID }
