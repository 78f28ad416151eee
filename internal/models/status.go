package models

// Status is a trip lifecycle state.
type Status string

const (
	StatusRequested  Status = "requested"
	StatusAccepted   Status = "accepted"
	StatusArriving   Status = "arriving"
	StatusArrived    Status = "arrived"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var statusRank = map[Status]int{
	StatusRequested:  0,
	StatusAccepted:   1,
	StatusArriving:   2,
	StatusArrived:    3,
	StatusInProgress: 4,
	StatusCompleted:  5,
}

// Rank orders the happy path. Cancelled has no rank and reports -1.
func (s Status) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

func (s Status) Valid() bool { return s == StatusCancelled || s.Rank() >= 0 }
