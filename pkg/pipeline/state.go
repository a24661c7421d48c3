package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/z-wentao/subflow/pkg/config"
	"github.com/z-wentao/subflow/pkg/models"
	"github.com/z-wentao/subflow/pkg/subtitle"
)

// MaxFileSize 本地文件大小上限（50 MiB），在任何网络调用之前检查
const MaxFileSize int64 = config.MaxFileSize

var (
	// ErrBusy 已有转写在进行中
	ErrBusy = errors.New("已有转写任务在进行中")

	// ErrInvalidTransition 当前状态不允许该操作
	ErrInvalidTransition = errors.New("当前状态不允许该操作")
)

// Phase 流水线状态
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseFileSelected Phase = "file_selected"
	PhaseProcessing   Phase = "processing"
	PhaseSuccess      Phase = "success"
	PhaseError        Phase = "error"
)

// State 流水线状态的值对象
// 每个转换函数接收旧状态、返回新状态，不修改入参
//
//	Idle:         无文件、无句柄、无文档
//	FileSelected: 持有本地文件
//	Processing:   持有本地文件，上传完成后持有 Media
//	Success:      持有文档和可编辑的文本，Media 已释放
//	Error:        只持有错误
type State struct {
	Phase    Phase                  `json:"phase"`
	File     *models.LocalFile      `json:"file,omitempty"`
	Media    *models.MediaReference `json:"media,omitempty"`
	Document *subtitle.Document     `json:"document,omitempty"`
	Format   subtitle.Format        `json:"format,omitempty"`
	Text     string                 `json:"text,omitempty"`
	Err      *Error                 `json:"error,omitempty"`
}

// Output 下载内容
type Output struct {
	Name        string
	ContentType string
	Data        []byte
}

// Idle 初始状态
func Idle() State {
	return State{Phase: PhaseIdle}
}

// Select 选择文件；超过大小上限直接进入 Error
func Select(s State, file models.LocalFile) (State, error) {
	if s.Phase != PhaseIdle && s.Phase != PhaseFileSelected {
		return s, fmt.Errorf("%w: %s 状态下不能选择文件", ErrInvalidTransition, s.Phase)
	}

	if file.SizeBytes > MaxFileSize {
		return State{
			Phase: PhaseError,
			Err: &Error{
				Kind:    KindFileTooLarge,
				Stage:   StageSelect,
				Message: fmt.Sprintf("文件大小 %d 超过上限 %d", file.SizeBytes, MaxFileSize),
			},
		}, nil
	}

	return State{Phase: PhaseFileSelected, File: &file}, nil
}

// Begin 开始处理
func Begin(s State) (State, error) {
	switch s.Phase {
	case PhaseFileSelected:
		return State{Phase: PhaseProcessing, File: s.File}, nil
	case PhaseProcessing:
		return s, ErrBusy
	default:
		return s, fmt.Errorf("%w: %s 状态下不能开始转写", ErrInvalidTransition, s.Phase)
	}
}

// Attach 记录上传得到的媒体句柄
func Attach(s State, ref models.MediaReference) (State, error) {
	if s.Phase != PhaseProcessing || s.Media != nil {
		return s, fmt.Errorf("%w: 无法记录媒体句柄", ErrInvalidTransition)
	}
	s.Media = &ref
	return s, nil
}

// Succeed 转写成功，按格式生成文本
func Succeed(s State, doc subtitle.Document, format subtitle.Format) (State, error) {
	if s.Phase != PhaseProcessing {
		return s, fmt.Errorf("%w: %s 状态下不能完成转写", ErrInvalidTransition, s.Phase)
	}
	if format == "" {
		format = subtitle.FormatSRT
	}
	return State{
		Phase:    PhaseSuccess,
		File:     s.File,
		Document: &doc,
		Format:   format,
		Text:     subtitle.Serialize(doc, format),
	}, nil
}

// Fail 转写失败
func Fail(s State, err *Error) (State, error) {
	if s.Phase != PhaseProcessing {
		return s, fmt.Errorf("%w: %s 状态下不能标记失败", ErrInvalidTransition, s.Phase)
	}
	return State{Phase: PhaseError, Err: err}, nil
}

// Edit 整体替换文本，不再校验
func Edit(s State, text string) (State, error) {
	if s.Phase != PhaseSuccess {
		return s, fmt.Errorf("%w: %s 状态下不能编辑", ErrInvalidTransition, s.Phase)
	}
	s.Text = text
	return s, nil
}

// Download 生成下载内容，不改变状态
func Download(s State) (Output, error) {
	if s.Phase != PhaseSuccess {
		return Output{}, fmt.Errorf("%w: %s 状态下没有可下载的字幕", ErrInvalidTransition, s.Phase)
	}

	format := s.Format
	if format == "" {
		format = subtitle.FormatSRT
	}
	original := ""
	if s.File != nil {
		original = s.File.Name
	}

	return Output{
		Name:        downloadName(original, format),
		ContentType: format.ContentType(),
		Data:        []byte(s.Text),
	}, nil
}

// Reset 任何状态都可以回到 Idle
func Reset(State) State {
	return Idle()
}

// DownloadName 原文件名去掉最后一个扩展名，加上 .srt
func DownloadName(originalName string) string {
	return downloadName(originalName, subtitle.FormatSRT)
}

func downloadName(originalName string, format subtitle.Format) string {
	base := filepath.Base(strings.ReplaceAll(originalName, "\\", "/"))
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	if base == "" || base == "." || base == "/" {
		base = "subtitles"
	}
	return base + format.Extension()
}

// FileFromPath 读取本地文件信息，类型按内容识别
func FileFromPath(path string) (models.LocalFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return models.LocalFile{}, fmt.Errorf("读取文件失败: %w", err)
	}
	if info.IsDir() {
		return models.LocalFile{}, fmt.Errorf("不是文件: %s", path)
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return models.LocalFile{}, fmt.Errorf("识别文件类型失败: %w", err)
	}

	return models.LocalFile{
		Path:        path,
		Name:        info.Name(),
		ContentType: mtype.String(),
		SizeBytes:   info.Size(),
	}, nil
}
