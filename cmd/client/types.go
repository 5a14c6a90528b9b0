package client

import (
	"io"

	"github.com/saveenergy/losstest/pkg/diagnostic"
	"github.com/saveenergy/losstest/pkg/types"
)

// OutputFormatter renders a run. FormatProgress is called from the probe's
// run loop about once a second.
type OutputFormatter interface {
	FormatStart(cfg *Config)
	FormatProgress(s types.Summary)
	FormatComplete(r *types.Report, interp *diagnostic.Interpretation)
	FormatError(err error)
}

type JSONFormatter struct {
	writer    io.Writer
	errWriter io.Writer
}

type PlainFormatter struct {
	writer    io.Writer
	errWriter io.Writer
	verbose   bool
}

func NewPlainFormatter(w, errW io.Writer, verbose bool) *PlainFormatter {
	return &PlainFormatter{writer: w, errWriter: errW, verbose: verbose}
}

type InteractiveFormatter struct {
	writer     io.Writer
	errWriter  io.Writer
	verbose    bool
	noColor    bool
	noProgress bool
	progressed bool
}

func NewInteractiveFormatter(w, errW io.Writer, verbose, noColor, noProgress bool) *InteractiveFormatter {
	return &InteractiveFormatter{writer: w, errWriter: errW, verbose: verbose, noColor: noColor, noProgress: noProgress}
}

type Config struct {
	Host          string
	Port          int
	Protocol      string
	Messages      int
	Runtime       float64
	Size          int
	Timeout       float64
	Window        int
	Interval      float64
	ProxyHost     string
	ProxyPort     int
	ProxyUsername string
	ProxyPassword string
	Target        string
	JSON          bool
	Plain         bool
	Verbose       bool
	Quiet         bool
	NoColor       bool
	NoProgress    bool
	Save          bool
	DataDir       string
}

// JSONErrorResponse is the structured error emitted when --json is active.
type JSONErrorResponse struct {
	SchemaVersion string `json:"schema_version"`
	Error         bool   `json:"error"`
	Code          string `json:"code"`
	Message       string `json:"message"`
}

// jsonResult is the --json document: the report plus its interpretation.
type jsonResult struct {
	*types.Report
	Interpretation *diagnostic.Interpretation `json:"interpretation,omitempty"`
}
