package app

// AppState represents the different views/modes of the application.
type AppState int

const (
	Starting AppState = iota
	Downloading
	PostProcessing
	Finished
	Exiting
)
