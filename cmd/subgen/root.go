package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/z-wentao/subflow/pkg/logging"
)

// Version 客户端版本
const Version = "1.0.0"

type rootOptions struct {
	server  string
	verbose bool
}

func (o *rootOptions) logger() zerolog.Logger {
	level := "warn"
	if o.verbose {
		level = "debug"
	}
	return logging.New(level, "console")
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "subgen",
		Short:         "为音视频文件生成 SRT/VTT 字幕",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.server, "server", "http://localhost:8080", "SubFlow 服务地址")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "输出调试日志")

	rootCmd.AddCommand(newTranscribeCommand(opts))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "显示版本",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := cmd.OutOrStdout().Write([]byte("subgen " + Version + "\n"))
			return err
		},
	}
}
