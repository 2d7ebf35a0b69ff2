//go:build filelog
// +build filelog

package build

import "os"

var logf *os.File

// LoggingType is the log type reported by this build variant. The LogType
// values have no file-only destination, so LogTypeStdOut is reported even
// though Write sends all output to the walletd.log file.
const LoggingType = LogTypeStdOut

// Write writes directly to the log file.
func (w *LogWriter) Write(b []byte) (int, error) {
	return logf.Write(b)
}

func init() {
	var err error
	logf, err = os.Create("walletd.log")
	if err != nil {
		panic(err)
	}
}
