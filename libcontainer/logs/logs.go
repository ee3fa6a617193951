// Package logs carries log entries from an attach init process back to the
// process that started it.
package logs

import (
	"bufio"
	"encoding/json"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// ConfigureInitLogging points the standard logger of an init process at the
// log pipe handed down by its parent. Entries are written as JSON so that
// ForwardLogs on the other end can replay them.
func ConfigureInitLogging(pipe *os.File, level logrus.Level) {
	logrus.SetOutput(pipe)
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(level)
}

// ForwardLogs reads JSON log entries from logPipe and replays them through
// the standard logger until the pipe is closed. The returned channel receives
// the read error, if any, once forwarding has stopped.
func ForwardLogs(logPipe io.ReadCloser) chan error {
	done := make(chan error, 1)
	s := bufio.NewScanner(logPipe)

	logger := logrus.StandardLogger()
	if logger.ReportCaller {
		// Need a copy of the standard logger, but with ReportCaller
		// turned off, as the logs are merely forwarded and their
		// true source is not this file/line/function.
		logNoCaller := *logrus.StandardLogger()
		logNoCaller.ReportCaller = false
		logger = &logNoCaller
	}

	go func() {
		for s.Scan() {
			processEntry(s.Bytes(), logger)
		}
		if err := logPipe.Close(); err != nil {
			logrus.Errorf("error closing log source: %v", err)
		}
		// The only error we want to return is when reading from
		// logPipe has failed.
		done <- s.Err()
		close(done)
	}()

	return done
}

func processEntry(text []byte, logger *logrus.Logger) {
	if len(text) == 0 {
		return
	}

	var jl struct {
		Level string `json:"level"`
		Msg   string `json:"msg"`
		Stage string `json:"stage,omitempty"`
		Step  string `json:"step,omitempty"`
	}
	if err := json.Unmarshal(text, &jl); err != nil {
		logrus.Errorf("failed to decode %q to json: %v", text, err)
		return
	}

	lvl, err := logrus.ParseLevel(jl.Level)
	if err != nil {
		logrus.Errorf("failed to parse log level %q: %v", jl.Level, err)
		return
	}

	entry := logrus.NewEntry(logger)
	if jl.Stage != "" {
		entry = entry.WithField("stage", jl.Stage)
	}
	if jl.Step != "" {
		entry = entry.WithField("step", jl.Step)
	}
	entry.Log(lvl, jl.Msg)
}
