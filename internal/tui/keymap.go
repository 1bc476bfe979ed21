package tui

// Key binding constants used in handleKey.
const (
	KeyQuit      = "q"
	KeyQuitUpper = "Q"
	KeyCtrlC     = "ctrl+c"
	KeySpace     = " "
	KeyStop      = "s"
	KeyPlayback  = "p"
	KeyDiscard   = "d"
)
