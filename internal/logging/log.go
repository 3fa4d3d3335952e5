package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

const defaultTimestampFormat = "2006-01-02 15:04:05"

// Init configures the process-wide logrus logger. format is "text" (default)
// or "json"; output is "stdout" or a file path that is written in addition to stdout.
func Init(level, output string, format ...string) (*logrus.Logger, error) {
	logger := logrus.StandardLogger()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)
	logger.SetReportCaller(true)

	if len(format) > 0 && strings.EqualFold(format[0], "json") {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: defaultTimestampFormat})
	} else {
		logger.SetFormatter(&BracketFormatter{TimestampFormat: defaultTimestampFormat})
	}

	writers := []io.Writer{os.Stdout}
	if output != "" && output != "stdout" {
		dir := filepath.Dir(output)
		if dir != "." && dir != ".." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}

		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, err
		}
		writers = append(writers, file)
	}
	logger.SetOutput(io.MultiWriter(writers...))

	return logger, nil
}

// BracketFormatter renders entries as
// "[time] [LEVEL] [file:line] message key=value ...".
type BracketFormatter struct {
	TimestampFormat string
}

// Format implements logrus.Formatter.
func (f *BracketFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	tsFormat := f.TimestampFormat
	if tsFormat == "" {
		tsFormat = defaultTimestampFormat
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "[%s] [%s]", entry.Time.Format(tsFormat), strings.ToUpper(entry.Level.String()))
	if entry.HasCaller() {
		fmt.Fprintf(&b, " [%s:%d]", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}
	b.WriteByte(' ')
	b.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		value := fmt.Sprint(entry.Data[k])
		if strings.ContainsAny(value, " \t\n") {
			value = fmt.Sprintf("%q", value)
		}
		fmt.Fprintf(&b, " %s=%s", k, value)
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}
