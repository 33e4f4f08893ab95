package log

import (
	"flag"

	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Setup binds the zap flags, parses the command line and installs the
// logger. Callers register their own flags first and must not call
// flag.Parse themselves.
func Setup() {
	opts := zap.Options{Development: true}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()
	log.SetLogger(zap.New(zap.UseFlagOptions(&opts)))
}
