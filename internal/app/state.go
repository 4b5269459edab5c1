package app

// AppState represents the different views/modes of the application.
type AppState int

const (
	Exporting AppState = iota
	Cancelling
	Finished
	Exiting
)

func (s AppState) String() string {
	switch s {
	case Exporting:
		return "exporting"
	case Cancelling:
		return "cancelling"
	case Finished:
		return "finished"
	case Exiting:
		return "exiting"
	}
	return "unknown"
}
