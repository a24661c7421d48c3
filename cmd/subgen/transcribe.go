package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/z-wentao/subflow/pkg/apiclient"
	"github.com/z-wentao/subflow/pkg/gateway"
	"github.com/z-wentao/subflow/pkg/pipeline"
	"github.com/z-wentao/subflow/pkg/subtitle"
)

func newTranscribeCommand(root *rootOptions) *cobra.Command {
	var (
		outDir  string
		format  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "transcribe <file>",
		Short: "上传媒体文件并生成字幕",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("请提供一个媒体文件路径，例如: subgen transcribe interview.mp3")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			subFormat, err := subtitle.ParseFormat(format)
			if err != nil {
				return err
			}

			source, err := filepath.Abs(strings.TrimSpace(args[0]))
			if err != nil {
				return fmt.Errorf("解析文件路径失败: %w", err)
			}
			file, err := pipeline.FileFromPath(source)
			if err != nil {
				return err
			}

			if outDir == "" {
				outDir = filepath.Dir(source)
			}

			logger := root.logger()
			orch := pipeline.NewOrchestrator(
				gateway.NewClient(root.server, nil, logger),
				apiclient.NewClient(root.server, nil, logger),
				subFormat, logger, nil,
			)

			if _, err := orch.Select(file); err != nil {
				return userError(err)
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "正在转写 %s (%d 字节)...\n", file.Name, file.SizeBytes)
			state, err := orch.Generate(ctx)
			if err != nil {
				return userError(err)
			}

			out, err := orch.Download()
			if err != nil {
				return err
			}
			target, err := writeOutput(outDir, out)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s (%d 条字幕)\n", target, state.Document.Len())
			return nil
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", "", "输出目录（默认与源文件相同）")
	cmd.Flags().StringVarP(&format, "format", "f", "srt", "字幕格式: srt | vtt")
	cmd.Flags().DurationVar(&timeout, "timeout", 6*time.Minute, "整个流程的超时时间")

	return cmd
}

// userError 把流水线错误转换成面向用户的提示
func userError(err error) error {
	var perr *pipeline.Error
	if errors.As(err, &perr) {
		return errors.New(perr.UserMessage())
	}
	return err
}

// writeOutput 写入字幕文件，返回文件路径
func writeOutput(dir string, out pipeline.Output) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("创建输出目录失败: %w", err)
	}
	target := filepath.Join(dir, out.Name)
	if err := os.WriteFile(target, out.Data, 0o644); err != nil {
		return "", fmt.Errorf("写入字幕失败: %w", err)
	}
	return target, nil
}
