// Command prewarmctl-demo is a Controller-side CLI exercising the prewarmd
// wire protocol end to end (spec §4.6 / §8): spawn a Supervisor, fork one
// or more children against it, release their readiness gates, and tear
// down cleanly. It is a demonstration harness, not a production Controller
// — kitty's real Controller is the terminal emulator itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/fenwick-labs/prewarmd/internal/prewarm/controller"
)

func main() {
	prewarmdPath := flag.String("prewarmd", "prewarmd", "path to the prewarmd binary")
	cmdName := flag.String("cmd", "fork", "fork | echo | reload | forkmany")
	tty := flag.String("tty", "", "controlling tty device for the fork command")
	cwd := flag.String("cwd", ".", "working directory for the fork command")
	argvFlag := flag.String("argv", "echo,hello,prewarmd", "comma-separated argv for the fork command")
	stdin := flag.String("stdin", "", "literal stdin payload for the fork command")
	echoText := flag.String("text", "ping", "payload for the echo command")
	reloadJSON := flag.String("config", `{"paths":[],"overrides":[]}`, "payload for the reload command")
	count := flag.Int("n", 4, "number of concurrent forks for forkmany")
	flag.Parse()

	log := buildLogger()
	defer log.Sync()
	log = log.Named("main")

	ctx := context.Background()

	sup, err := controller.StartSupervisor(log, *prewarmdPath, `{"paths":[],"overrides":[]}`, 8, func(pid int) {
		log.Info("child exited", zap.Int("pid", pid))
	})
	if err != nil {
		log.Fatal("start supervisor", zap.Error(err))
	}
	defer sup.Stop()

	switch *cmdName {
	case "echo":
		runEcho(ctx, log, sup.Client, *echoText)
	case "reload":
		sup.Client.ReloadConfig(*reloadJSON)
		log.Info("reload sent", zap.String("config", *reloadJSON))
	case "fork":
		runFork(ctx, log, sup.Client, *tty, *cwd, strings.Split(*argvFlag, ","), []byte(*stdin))
	case "forkmany":
		runForkMany(ctx, log, sup.Client, *tty, *cwd, strings.Split(*argvFlag, ","), *count)
	default:
		fmt.Fprintf(os.Stderr, "unknown -cmd %q\n", *cmdName)
		os.Exit(1)
	}
}

func runEcho(ctx context.Context, log *zap.Logger, c *controller.Client, text string) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	reply, err := c.Echo(ctx, text)
	if err != nil {
		log.Fatal("echo", zap.Error(err))
	}
	fmt.Println(reply)
}

func runFork(ctx context.Context, log *zap.Logger, c *controller.Client, tty, cwd string, argv []string, stdin []byte) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	childID, pid, err := c.Fork(ctx, tty, cwd, argv, nil, stdin)
	if err != nil {
		log.Fatal("fork", zap.Error(err))
	}
	log.Info("forked", zap.Uint64("child_id", childID), zap.Int("pid", pid))

	if !c.MarkChildReady(childID) {
		log.Fatal("release readiness gate: unknown child_id", zap.Uint64("child_id", childID))
	}
	log.Info("released readiness gate", zap.Uint64("child_id", childID))
}

// runForkMany forks n children concurrently, each released as soon as its
// CHILD: reply lands, demonstrating that the Supervisor's child table
// supports several un-released/undead entries at once (spec §8's "multiple
// concurrent fork requests in flight" property).
func runForkMany(ctx context.Context, log *zap.Logger, c *controller.Client, tty, cwd string, argv []string, n int) {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(gctx, 2*time.Second)
			defer cancel()

			childID, pid, err := c.Fork(ctx, tty, cwd, argv, nil, nil)
			if err != nil {
				return fmt.Errorf("fork #%d: %w", i, err)
			}
			log.Info("forked", zap.Int("slot", i), zap.Uint64("child_id", childID), zap.Int("pid", pid))
			if !c.MarkChildReady(childID) {
				return fmt.Errorf("release readiness gate #%d: unknown child_id %d", i, childID)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatal("forkmany", zap.Error(err))
	}
}

func buildLogger() *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	return zap.Must(logConfig.Build())
}
