package model

// FileSummary holds the coverage figures of a single source file.
type FileSummary struct {
	Path         Path
	Instrumented int
	Executed     int
}

// Percent returns the executed share of instrumented lines.
func (s FileSummary) Percent() float64 {
	if s.Instrumented == 0 {
		return 0
	}

	return float64(s.Executed) / float64(s.Instrumented) * 100
}

// Summary is what the terminal output shows after a run, merge or report.
type Summary struct {
	Title string
	Files []FileSummary
}

// Totals adds up all file figures.
func (s Summary) Totals() FileSummary {
	var total FileSummary

	for _, file := range s.Files {
		total.Instrumented += file.Instrumented
		total.Executed += file.Executed
	}

	return total
}

// ExitStatus describes how a traced program terminated.
type ExitStatus struct {
	Code     int
	Signaled bool
	Signal   int
}
