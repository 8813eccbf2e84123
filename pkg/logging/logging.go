package logging

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rexliu/dappbridge/pkg/config"
)

// Logger wraps a zap SugaredLogger; Printf keeps it usable as an ipc.Logger.
type Logger struct {
	*zap.SugaredLogger
	level zap.AtomicLevel
	name  string
}

// New returns a logger writing to stderr at info level. stdout is reserved for
// native messaging frames in the host binary.
func New(name string) *Logger {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	core := zapcore.NewCore(newEncoder(), zapcore.Lock(os.Stderr), level)
	return &Logger{
		SugaredLogger: zap.New(core, zap.AddCaller()).Named(name).Sugar(),
		level:         level,
		name:          name,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar(), level: zap.NewAtomicLevel()}
}

// Configure applies logging settings from config.
func (l *Logger) Configure(cfg config.LoggingConfig) error {
	if l == nil || l.SugaredLogger == nil {
		return nil
	}
	if cfg.Level != "" {
		lvl, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return err
		}
		l.level.SetLevel(lvl)
	}
	if cfg.FilePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o700); err != nil {
		return err
	}
	writer, err := newRollingFile(cfg.FilePath, cfg.FileMaxSize)
	if err != nil {
		return err
	}
	core := zapcore.NewTee(
		zapcore.NewCore(newEncoder(), zapcore.Lock(os.Stderr), l.level),
		zapcore.NewCore(newEncoder(), zapcore.AddSync(writer), l.level),
	)
	l.SugaredLogger = zap.New(core, zap.AddCaller()).Named(l.name).Sugar()
	return nil
}

// Printf satisfies the minimal ipc.Logger interface.
func (l *Logger) Printf(format string, v ...any) {
	l.Infof(format, v...)
}

// Println mirrors log.Logger.Println for call sites ported from the stdlib logger.
func (l *Logger) Println(v ...any) {
	l.Info(v...)
}

func newEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewJSONEncoder(cfg)
}

type rollingFile struct {
	mu   sync.Mutex
	path string
	max  int
	file *os.File
}

func newRollingFile(path string, maxMB int) (*rollingFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	return &rollingFile{path: path, max: maxMB, file: f}, nil
}

func (r *rollingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max > 0 {
		if info, err := r.file.Stat(); err == nil && info.Size()+int64(len(p)) > int64(r.max)*1024*1024 {
			r.file.Close()
			os.Rename(r.path, r.path+".1")
			newFile, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
			if err != nil {
				return 0, err
			}
			r.file = newFile
		}
	}
	return r.file.Write(p)
}
