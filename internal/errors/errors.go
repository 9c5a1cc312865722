package errors

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var ansiRegex = regexp.MustCompile(`[\x1b\x9b][[\]()#;?]*(?:(?:(?:[a-zA-Z\d]*(?:;[a-zA-Z\d]*)*)?\x07)|(?:(?:\d{1,4}(?:;\d{0,4})*)?[\dA-PRZcf-ntqry=><~]))`)

// StripANSI removes terminal colour sequences.
func StripANSI(s string) string {
	return ansiRegex.ReplaceAllString(s, "")
}

var titleCaser = cases.Title(language.English)

// Payload carries the browser-facing fields of an HMR error message.
type Payload struct {
	Title           string
	ErrorMessage    string
	FileLoc         string
	ErrorStackTrace string
}

// HMRPayload turns a build failure into the fields of an HMR error message.
func HMRPayload(err error, fileLoc string) Payload {
	title := "Build Error"
	if stage, step, ok := StageDetails(err); ok {
		title = fmt.Sprintf("%s: %s", titleCaser.String(step)+" Error", stage)
	} else if t, ok := typeOf(err); ok {
		title = titleCaser.String(strings.ReplaceAll(string(t), "_", " ")) + " Error"
	}

	msg := err.Error()
	stack := ""
	if idx := strings.Index(msg, "\n"); idx >= 0 {
		stack = msg[idx+1:]
		msg = msg[:idx]
	}
	return Payload{
		Title:           StripANSI(title),
		ErrorMessage:    StripANSI(msg),
		FileLoc:         StripANSI(fileLoc),
		ErrorStackTrace: StripANSI(stack),
	}
}

// FileError pairs a failure with the source file it came from.
type FileError struct {
	File string
	Err  error
}

func (fe *FileError) Error() string {
	return fmt.Sprintf("%s: %v", fe.File, fe.Err)
}

func (fe *FileError) Unwrap() error { return fe.Err }

// ErrorCollector gathers per-file failures from concurrent build workers.
type ErrorCollector struct {
	errors []*FileError
	mutex  sync.RWMutex
}

// NewErrorCollector creates a new error collector
func NewErrorCollector() *ErrorCollector {
	return &ErrorCollector{}
}

// Add records a failure for file.
func (ec *ErrorCollector) Add(file string, err error) {
	if err == nil {
		return
	}
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	ec.errors = append(ec.errors, &FileError{File: file, Err: err})
}

// Errors returns the collected failures sorted by file.
func (ec *ErrorCollector) Errors() []*FileError {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	result := make([]*FileError, len(ec.errors))
	copy(result, ec.errors)
	sort.SliceStable(result, func(i, j int) bool { return result[i].File < result[j].File })
	return result
}

// HasErrors returns true if there are any errors
func (ec *ErrorCollector) HasErrors() bool {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	return len(ec.errors) > 0
}

// Err folds the collected failures into one error, or nil.
func (ec *ErrorCollector) Err() error {
	errs := ec.Errors()
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	lines := make([]string, len(errs))
	for i, e := range errs {
		lines[i] = e.Error()
	}
	return fmt.Errorf("%d files failed to build:\n%s", len(errs), strings.Join(lines, "\n"))
}
