// Package logger provides adapters for popular logger libraries to work
// with emberdb's Logger interface.
//
// The adapters let callers plug in their existing logger without emberdb's
// core importing either library directly. Note that the standard library's
// slog.Logger already implements emberdb.Logger directly.
//
// Example with zap:
//
//	import (
//	    "emberdb"
//	    "emberdb/logger"
//	    "go.uber.org/zap"
//	)
//
//	func main() {
//	    zapLogger, _ := zap.NewProduction()
//
//	    db, err := emberdb.Open("data.db", emberdb.WithLogger(logger.NewZap(zapLogger)))
//	    if err != nil {
//	        panic(err)
//	    }
//	    defer db.Close()
//	}
package logger
