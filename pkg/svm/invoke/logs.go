package invoke

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/fortiblox/stratus-svm/internal/types"
)

// DefaultLogMessagesBytesLimit is the log budget of one transaction.
const DefaultLogMessagesBytesLimit = 10_000

const logTruncated = "Log truncated"

// LogCollector gathers the program logs of one transaction. A nil collector
// discards everything.
type LogCollector struct {
	messages     []string
	bytesWritten int
	limit        int
	truncated    bool
}

// NewLogCollector returns a collector keeping at most limit bytes of
// messages. A limit of zero or less keeps everything.
func NewLogCollector(limit int) *LogCollector {
	return &LogCollector{limit: limit}
}

// Log records msg. Once the limit is reached a single truncation notice is
// recorded and further messages are dropped.
func (l *LogCollector) Log(msg string) {
	if l == nil {
		return
	}
	if l.limit <= 0 {
		l.messages = append(l.messages, msg)
		return
	}
	written := l.bytesWritten + len(msg)
	if written >= l.limit {
		if !l.truncated {
			l.truncated = true
			l.messages = append(l.messages, logTruncated)
		}
		return
	}
	l.bytesWritten = written
	l.messages = append(l.messages, msg)
}

// Logf records a formatted message.
func (l *LogCollector) Logf(format string, args ...any) {
	if l == nil {
		return
	}
	l.Log(fmt.Sprintf(format, args...))
}

// Messages returns the recorded messages.
func (l *LogCollector) Messages() []string {
	if l == nil {
		return nil
	}
	return l.messages
}

// Truncated reports whether messages were dropped.
func (l *LogCollector) Truncated() bool {
	return l != nil && l.truncated
}

// The program log lines below are parsed by explorers and clients and must
// keep their exact wording.

func (l *LogCollector) programInvoke(programID types.Pubkey, height int) {
	l.Logf("Program %s invoke [%d]", programID, height)
}

func (l *LogCollector) programSuccess(programID types.Pubkey) {
	l.Logf("Program %s success", programID)
}

func (l *LogCollector) programFailure(programID types.Pubkey, err error) {
	l.Logf("Program %s failed: %v", programID, err)
}

// ProgramLog records a message emitted by a program.
func (l *LogCollector) ProgramLog(msg string) {
	l.Logf("Program log: %s", msg)
}

// ProgramData records binary data emitted by a program, base64 encoded.
func (l *LogCollector) ProgramData(data [][]byte) {
	if l == nil {
		return
	}
	parts := make([]string, len(data))
	for i, d := range data {
		parts[i] = base64.StdEncoding.EncodeToString(d)
	}
	l.Logf("Program data: %s", strings.Join(parts, " "))
}

// ProgramReturn records the return data set by a program.
func (l *LogCollector) ProgramReturn(programID types.Pubkey, data []byte) {
	l.Logf("Program return: %s %s", programID, base64.StdEncoding.EncodeToString(data))
}

// ProgramConsumed records the compute units used by a program.
func (l *LogCollector) ProgramConsumed(programID types.Pubkey, consumed, limit uint64) {
	l.Logf("Program %s consumed %d of %d compute units", programID, consumed, limit)
}
