package models

import (
	"os"
	"time"
)

// MediaReference 临时对象存储中的媒体文件句柄
// 上传成功时创建，转写结束后（无论成败）删除且只删除一次
type MediaReference struct {
	Pathname         string    `json:"pathname"`
	URL              string    `json:"url"`
	DownloadURL      string    `json:"downloadUrl"`
	DeleteURL        string    `json:"deleteUrl,omitempty"`
	ContentType      string    `json:"contentType"`
	OriginalFileName string    `json:"originalFileName,omitempty"`
	SizeBytes        int64     `json:"size"`
	UploadedAt       time.Time `json:"uploadedAt"`
}

// FetchURL 返回用于下载对象内容的地址
func (r MediaReference) FetchURL() string {
	if r.DownloadURL != "" {
		return r.DownloadURL
	}
	return r.URL
}

// SignedUploadTarget 上传授权（带签名、有时效的写入地址）
type SignedUploadTarget struct {
	Pathname            string    `json:"pathname"`
	UploadURL           string    `json:"uploadUrl"`
	Token               string    `json:"token"`
	AllowedContentTypes []string  `json:"allowedContentTypes"`
	MaximumSizeBytes    int64     `json:"maximumSizeInBytes"`
	ExpiresAt           time.Time `json:"validUntil"`
	ClientPayload       string    `json:"clientPayload,omitempty"`
}

// ObjectMeta 临时对象的元数据（供过期清理使用）
type ObjectMeta struct {
	Pathname    string    `json:"pathname"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// DeleteTask 异步删除任务
type DeleteTask struct {
	Pathname   string    `json:"pathname"`
	URL        string    `json:"url"`
	DeleteURL  string    `json:"delete_url,omitempty"`
	Reason     string    `json:"reason"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// RabbitMQ 相关（不序列化到 JSON）
	DeliveryTag      uint64 `json:"-"`
	RabbitMQDelivery any    `json:"-"`
}

// Reference 把删除任务还原成媒体句柄
func (t *DeleteTask) Reference() MediaReference {
	return MediaReference{
		Pathname:  t.Pathname,
		URL:       t.URL,
		DeleteURL: t.DeleteURL,
	}
}

// LocalFile 用户选中的本地文件
type LocalFile struct {
	Path        string `json:"path"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size"`
}

// Open 打开文件内容
func (f LocalFile) Open() (*os.File, error) {
	return os.Open(f.Path)
}
