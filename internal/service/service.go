package service

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	c "github.com/pvik/fleetd/internal/config"

	log "github.com/sirupsen/logrus"
)

var (
	logFileHandle *os.File
)

// InitService initialize the fleetd process
// It does the following:
//   - initialize config file (passed in as --conf)
//   - Setup Logging
func InitService(confFile string) error {
	if confFile == "" {
		return fmt.Errorf("please provide config file with --conf")
	}

	c.InitConfig(confFile)

	_, serviceName := filepath.Split(os.Args[0])

	if err := SetupLogging(c.AppConf.Log, serviceName); err != nil {
		return err
	}

	log.Info(serviceName + " service initialized")
	return nil
}

// SetupLogging applies formatter, output and level from the log config
func SetupLogging(lc c.LogConfig, serviceName string) error {
	if lc.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		// Default to TextFormatter
		log.SetFormatter(&log.TextFormatter{})
	}

	if lc.Output == "file" {
		var err error
		logFile := path.Join(lc.Dir,
			fmt.Sprintf("%s.log",
				serviceName))
		logFileHandle, err = os.OpenFile(logFile,
			os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.WithFields(log.Fields{
				"file":  logFile,
				"error": err,
			}).Error("unable to open file")
			return fmt.Errorf("unable to open log file %s: %w", logFile, err)
		}
		log.WithFields(log.Fields{
			"file": logFile,
		}).Info("switching log output to file")
		log.SetOutput(logFileHandle)
	}

	// set log level
	switch strings.ToLower(lc.Level) {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "fatal":
		log.SetLevel(log.FatalLevel)
	case "panic":
		log.SetLevel(log.PanicLevel)
	}

	return nil
}

// Shutdown closes any open files or pipes the process started
func Shutdown() {

	if logFileHandle != nil {
		// Revert logging back to StdOut
		log.SetOutput(os.Stdout)
		logFileHandle.Close()
		logFileHandle = nil
	}
}
