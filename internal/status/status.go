package status

type Status = int32

const (
	Pending Status = iota
	Downloading
	Paused
	Completed
	Failed
	Cancelled
)

// String returns the human-readable form used in logs and notifications.
func String(s Status) string {
	switch s {
	case Pending:
		return "pending"
	case Downloading:
		return "downloading"
	case Paused:
		return "paused"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
