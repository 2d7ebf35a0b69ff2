package blocktalk

import (
	"github.com/decred/slog"

	"github.com/tigeryant/blocktalk/build"
	"github.com/tigeryant/blocktalk/chainipc"
	"github.com/tigeryant/blocktalk/rpcserver"
	"github.com/tigeryant/blocktalk/wallet"
	"github.com/tigeryant/blocktalk/wallet/walletstore"
)

// replaceableLogger is a thin wrapper around a logger that is used so the
// logger can be replaced easily without some black pointer magic.
type replaceableLogger struct {
	slog.Logger
	subsystem string
}

// Loggers can not be used before the log rotator has been initialized with a
// log file. This must be performed early during application startup by
// calling InitLogRotator() on the main log writer instance.
var (
	// pkgLoggers is a list of all package level loggers that are
	// registered. They are tracked here so they can be replaced once the
	// SetupLoggers function is called with the final root logger.
	pkgLoggers []*replaceableLogger

	// addPkgLogger is a helper function that creates a new replaceable
	// package level logger and adds it to the list of loggers that are
	// replaced again later, once the final root logger is ready.
	addPkgLogger = func(subsystem string) *replaceableLogger {
		l := &replaceableLogger{
			Logger:    build.NewSubLogger(subsystem, nil),
			subsystem: subsystem,
		}
		pkgLoggers = append(pkgLoggers, l)
		return l
	}

	// btldLog is the logger of the daemon's top level wiring.
	btldLog = addPkgLogger("BTLD")
)

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.RotatingLogWriter) {
	// Now that we have the proper root logger, we can replace the
	// placeholder package loggers.
	for _, l := range pkgLoggers {
		l.Logger = build.NewSubLogger(l.subsystem, root.GenSubLogger)
		SetSubLogger(root, l.subsystem, l.Logger)
	}

	AddSubLogger(root, "CHIP", chainipc.UseLogger)
	AddSubLogger(root, "WLLT", wallet.UseLogger)
	AddSubLogger(root, "WLST", walletstore.UseLogger)
	AddSubLogger(root, "RPCS", rpcserver.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.RotatingLogWriter, subsystem string,
	useLoggers ...func(slog.Logger)) {

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewSubLogger(subsystem, root.GenSubLogger)
	SetSubLogger(root, subsystem, logger, useLoggers...)
}

// SetSubLogger is a helper method to conveniently register the logger of a
// sub system.
func SetSubLogger(root *build.RotatingLogWriter, subsystem string,
	logger slog.Logger, useLoggers ...func(slog.Logger)) {

	root.RegisterSubLogger(subsystem, logger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}
