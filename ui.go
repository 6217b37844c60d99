package pkgdl

import (
	"github.com/cenkalti/pkgdl/internal/logger"
)

// UI shows the progress of a download to the user.
type UI interface {
	SetProgressTitle(title string)
	UpdateProgress(label, extra, eta string, fraction float32)
	// IsCancelled is polled between chunks. The download is stopped when it returns true.
	IsCancelled() bool
	ShowError(msg string)
}

// LogUI writes progress to the log. It never cancels the download.
type LogUI struct {
	log logger.Logger
}

var _ UI = (*LogUI)(nil)

// NewLogUI returns a new LogUI.
func NewLogUI() *LogUI {
	return &LogUI{log: logger.New("ui")}
}

func (u *LogUI) SetProgressTitle(title string) {
	u.log.Info(title)
}

func (u *LogUI) UpdateProgress(label, extra, eta string, fraction float32) {
	u.log.Infof("%s %5.1f%% %s %s", label, fraction*100, extra, eta)
}

func (u *LogUI) IsCancelled() bool {
	return false
}

func (u *LogUI) ShowError(msg string) {
	u.log.Error(msg)
}
