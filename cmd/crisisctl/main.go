// crisisctl 命令行工具：一次性摄取、排空嵌入队列、命令行问答。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"crisisrag/internal/app/bootstrap"
	"crisisrag/internal/platform/config"
	applog "crisisrag/internal/platform/log"
)

// containerFactory 按需构造容器，测试中替换为内存实现
type containerFactory func(ctx context.Context) (*bootstrap.Container, error)

func defaultFactory(ctx context.Context) (*bootstrap.Container, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	applog.Init(applog.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	return bootstrap.New(ctx, cfg)
}

func newRootCmd(factory containerFactory) *cobra.Command {
	root := &cobra.Command{
		Use:           "crisisctl",
		Short:         "Operate the disaster signal pipeline from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newIngestCmd(factory),
		newEmbedCmd(factory),
		newAskCmd(factory),
		newSearchCmd(factory),
	)
	return root
}

// withContainer 构造容器并保证释放
func withContainer(cmd *cobra.Command, factory containerFactory, fn func(ctx context.Context, c *bootstrap.Container) error) error {
	ctx := cmd.Context()
	c, err := factory(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}
	defer func() {
		if cerr := c.Close(); cerr != nil {
			applog.Warn("[CLI] Cleanup failed", "error", cerr)
		}
	}()
	return fn(ctx, c)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(defaultFactory).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}
