package main

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"tradelab/internal/app"
	"tradelab/internal/config"
	"tradelab/internal/logger"
)

var (
	cfgPath string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:           "tradelab",
	Short:         "K 线缓存与策略回测",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		// .env 不存在时忽略
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "配置文件路径（默认取 TRADELAB_CONFIG 或 configs/config.yaml）")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "启动前加载的 .env 文件")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatalf("tradelab: %v", err)
	}
}

// session 是一次命令使用的配置、日志文件与 App。
type session struct {
	cfg   *config.Config
	app   *app.App
	files []io.Closer
}

func (s *session) Close() {
	if s.app != nil {
		s.app.Close()
	}
	for _, f := range s.files {
		_ = f.Close()
	}
}

func openSession(ctx context.Context, opts ...app.AppBuilderOption) (*session, error) {
	path := config.ResolvePath(cfgPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		return nil, err
	}
	if logFile != nil {
		s.files = append(s.files, logFile)
	}
	advFile, err := setupAdvisorLogOutput(cfg.App.AdvisorLog)
	if err != nil {
		s.Close()
		return nil, err
	}
	if advFile != nil {
		s.files = append(s.files, advFile)
	}
	logger.Infof("✓ 配置加载成功（环境=%s，文件=%s）", cfg.App.Env, path)

	s.app, err = app.NewApp(ctx, cfg, opts...)
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func setupLogOutput(path string) (*os.File, error) {
	f, err := openAppend(path)
	if err != nil || f == nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, f)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return f, nil
}

func setupAdvisorLogOutput(path string) (*os.File, error) {
	f, err := openAppend(path)
	if err != nil || f == nil {
		return nil, err
	}
	logger.SetAdvisorWriter(f)
	return f, nil
}

func openAppend(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	if dir := filepath.Dir(trimmed); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}
