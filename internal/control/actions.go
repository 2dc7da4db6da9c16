package control

import (
	"github.com/konstantinmiller/dashp2p/internal/models"
)

// Action is produced by the rate-adaptation controller and executed by the
// coordinator against pipelined HTTP clients.
type Action interface {
	isAction()
	Kind() string
}

// OpenConnection creates a new pipelined client registered under ConnID.
type OpenConnection struct {
	ConnID int64
	// Host is the "host:port" to dial.
	Host string
}

// CloseConnection stops and removes the client registered under ConnID.
type CloseConnection struct {
	ConnID int64
}

// DownloadItem is one request of a StartDownload action.
type DownloadItem struct {
	Target models.SegmentID
	URL    string
	Method models.Method
}

// StartDownload submits requests, in order, to an existing connection.
type StartDownload struct {
	ConnID int64
	Items  []DownloadItem
}

func (OpenConnection) isAction()  {}
func (CloseConnection) isAction() {}
func (StartDownload) isAction()   {}

// Kind returns the action name used in logs.
func (OpenConnection) Kind() string { return "open_connection" }

// Kind returns the action name used in logs.
func (CloseConnection) Kind() string { return "close_connection" }

// Kind returns the action name used in logs.
func (StartDownload) Kind() string { return "start_download" }
