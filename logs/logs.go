package logs

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Logger *zap.Logger
	level  zap.AtomicLevel

	// used by the package helpers so callers see their own file:line
	helper *zap.Logger
)

func IsTest() bool {
	return os.Getenv("ASYNCWS_ENV") == "test"
}

func init() {
	var cfg zap.Config
	if IsTest() {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	level = cfg.Level

	var err error
	Logger, err = cfg.Build(zap.AddCaller())
	if err != nil {
		panic(err)
	}
	helper = Logger.WithOptions(zap.AddCallerSkip(1))
}

// SetLevel changes the level of Logger at runtime. Unknown names leave it untouched.
func SetLevel(name string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return err
	}
	level.SetLevel(lvl)
	return nil
}

func Named(name string) *zap.Logger {
	return Logger.Named(name)
}

func Debug(msg string, fields ...zap.Field) {
	helper.Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	helper.Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	helper.Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	helper.Error(msg, fields...)
}

func Sync() {
	_ = Logger.Sync()
}
