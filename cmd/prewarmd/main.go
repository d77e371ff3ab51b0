// Command prewarmd is the prewarmed Supervisor process (spec §2/§6). It has
// two faces, selected by forkengine.ReexecEnvVar:
//
//   - Fresh invocation (no marker env var): runs the Supervisor's poll
//     loop, reading fork/ready/reload_kitty_config/echo commands off stdin
//     and replying on stdout and on an inherited death-notify fd whose
//     number is passed as argv[1] (spec §6: "exactly one" fd is inherited
//     beyond the standard streams).
//   - Re-exec'd child (marker env var set): runs the fork-request
//     checkpoint sequence and tail-calls the dispatch table, never
//     returning (forkengine.RunChild).
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"

	"github.com/fenwick-labs/prewarmd/internal/prewarm/config"
	"github.com/fenwick-labs/prewarmd/internal/prewarm/dispatch"
	"github.com/fenwick-labs/prewarmd/internal/prewarm/forkengine"
	"github.com/fenwick-labs/prewarmd/internal/prewarm/supervisor"
)

func main() {
	if os.Getenv(forkengine.ReexecEnvVar) == "1" {
		runChild()
		return
	}
	runSupervisor()
}

// runChild decodes the ChildArgs threaded across the re-exec boundary and
// hands off to forkengine.RunChild, which never returns.
func runChild() {
	raw := os.Getenv(forkengine.ChildArgsEnvVar)
	var args forkengine.ChildArgs
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		fmt.Fprintf(os.Stderr, "prewarmd: decode %s: %v\n", forkengine.ChildArgsEnvVar, err)
		os.Exit(1)
	}

	table := dispatch.NewTable(nil)
	dispatch.RegisterBuiltins(table)

	forkengine.RunChild(args, table)
}

// runSupervisor builds and runs the prewarmed worker loop. Exit codes match
// spec §6: 0 on clean input hang-up, 1 on internal fatal error.
func runSupervisor() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: prewarmd <death-notify-fd>")
		os.Exit(1)
	}
	deathW, err := strconv.Atoi(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "prewarmd: bad death-notify fd argument %q: %v\n", flag.Arg(0), err)
		os.Exit(1)
	}

	log := buildLogger()
	defer log.Sync()
	log = log.Named("main")

	for _, fd := range []int{unix.Stdin, unix.Stdout, deathW} {
		if err := unix.SetNonblock(fd, true); err != nil {
			log.Fatal("set non-blocking", zap.Int("fd", fd), zap.Error(err))
		}
	}

	store, err := config.NewStore(os.Getenv(config.EnvVar))
	if err != nil {
		log.Fatal("decode initial config", zap.String("env", config.EnvVar), zap.Error(err))
	}

	table := dispatch.NewTable(nil)
	dispatch.RegisterBuiltins(table)

	sup := supervisor.New(supervisor.Config{
		Log:      log,
		CmdR:     unix.Stdin,
		ReplyW:   unix.Stdout,
		DeathW:   deathW,
		Dispatch: table,
		Store:    store,
	})

	if err := sup.Run(); err != nil {
		log.Error("supervisor exited with error", zap.Error(err))
		os.Exit(1)
	}
	os.Exit(0)
}

func buildLogger() *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	return zap.Must(logConfig.Build())
}
