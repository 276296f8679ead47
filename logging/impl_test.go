package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
	"go.viam.com/test"
)

type bufferAppender struct {
	buf     bytes.Buffer
	encoder zapcore.Encoder
}

func newBufferAppender() *bufferAppender {
	return &bufferAppender{encoder: zapcore.NewConsoleEncoder(encoderConfig())}
}

func (ba *bufferAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	out, err := ba.encoder.EncodeEntry(entry, fields)
	if err != nil {
		return err
	}
	_, err = ba.buf.Write(out.Bytes())
	return err
}

func (ba *bufferAppender) Sync() error {
	return nil
}

func TestLevelFiltering(t *testing.T) {
	logger, observed := NewObservedTestLogger(t)
	logger.SetLevel(WARN)

	logger.Debug("dropped")
	logger.Infof("dropped %d", 1)
	logger.Warnw("kept", "slice", 3)
	logger.Error("kept too")

	test.That(t, observed.Len(), test.ShouldEqual, 2)
	entries := observed.All()
	test.That(t, entries[0].Message, test.ShouldEqual, "kept")
	test.That(t, entries[0].ContextMap()["slice"], test.ShouldEqual, int64(3))
	test.That(t, entries[1].Level, test.ShouldEqual, zapcore.ErrorLevel)

	logger.SetLevel(DEBUG)
	logger.Debugf("wrap=%d", 65466)
	test.That(t, observed.FilterMessage("wrap=65466").Len(), test.ShouldEqual, 1)
}

func TestSubloggerSharesLevel(t *testing.T) {
	logger, observed := NewObservedTestLogger(t)
	sub := logger.Sublogger("pwm").Sublogger("slice0")

	sub.Info("configured")
	test.That(t, observed.All()[0].LoggerName, test.ShouldEqual, "pwm.slice0")

	logger.SetLevel(ERROR)
	test.That(t, sub.GetLevel(), test.ShouldEqual, ERROR)
	sub.Warn("quiet")
	test.That(t, observed.Len(), test.ShouldEqual, 1)
}

func TestUnpairedKey(t *testing.T) {
	logger := NewBlankLogger("enc")
	appender := newBufferAppender()
	logger.AddAppender(appender)

	logger.Infow("sample", "wheel", "front_left", "dangling")
	line := appender.buf.String()
	test.That(t, line, test.ShouldContainSubstring, "INFO")
	test.That(t, line, test.ShouldContainSubstring, "enc")
	test.That(t, line, test.ShouldContainSubstring, `"wheel": "front_left"`)
	test.That(t, line, test.ShouldContainSubstring, "unpaired log key")
	test.That(t, strings.Count(line, "\n"), test.ShouldEqual, 1)
}

func TestLevelStrings(t *testing.T) {
	for _, level := range []Level{DEBUG, INFO, WARN, ERROR} {
		parsed, err := LevelFromString(level.String())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, parsed, test.ShouldEqual, level)
	}
	_, err := LevelFromString("loud")
	test.That(t, err, test.ShouldNotBeNil)

	var level Level
	test.That(t, level.UnmarshalJSON([]byte(`"warn"`)), test.ShouldBeNil)
	test.That(t, level, test.ShouldEqual, WARN)
}

func TestFileAppender(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rover.log")
	appender := NewFileAppender(path, 1, 1)
	logger := NewBlankLogger("rover")
	logger.AddAppender(appender)

	logger.Infow("pwm slice configured", "slice", 2)
	test.That(t, logger.Sync(), test.ShouldBeNil)
	test.That(t, appender.Close(), test.ShouldBeNil)

	contents, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(contents), test.ShouldContainSubstring, "pwm slice configured")
	test.That(t, string(contents), test.ShouldContainSubstring, `"slice": 2`)
}

func TestConsoleSync(t *testing.T) {
	logger := NewLogger("rover")
	logger.AddAppender(NewWriterAppender(os.Stderr))
	logger.Info("shutting down")
	test.That(t, logger.Sync(), test.ShouldBeNil)
}
