package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/z-wentao/subflow/pkg/models"
)

var (
	ErrUnauthorizedContentType = errors.New("不允许的文件类型")
	ErrTooLarge                = errors.New("文件超过大小限制")
	ErrObjectExists            = errors.New("对象已存在")
	ErrInvalidPathname         = errors.New("非法的对象名")
	ErrForeignURL              = errors.New("地址不属于本存储")
)

var validPathname = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,254}$`)

// Options 存储参数
type Options struct {
	Dir                 string
	PublicURL           string // 例如 http://localhost:8080
	Secret              []byte
	AllowedContentTypes []string
	MaxSize             int64
	GrantTTL            time.Duration
	ObjectTTL           time.Duration
}

// Service 临时对象存储（磁盘 + 元数据索引）
// 客户端凭签名地址直接上传，不经过转写接口
type Service struct {
	dir       string
	publicURL string
	signer    *Signer
	index     Index
	allowed   []string
	maxSize   int64
	grantTTL  time.Duration
	objectTTL time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// NewService 创建存储服务
func NewService(opts Options, index Index, logger zerolog.Logger) (*Service, error) {
	if len(opts.Secret) == 0 {
		return nil, fmt.Errorf("签名密钥不能为空")
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}
	if len(opts.AllowedContentTypes) == 0 {
		opts.AllowedContentTypes = []string{"audio/*", "video/*"}
	}
	if opts.GrantTTL <= 0 {
		opts.GrantTTL = time.Hour
	}
	if opts.ObjectTTL <= 0 {
		opts.ObjectTTL = time.Hour
	}

	return &Service{
		dir:       opts.Dir,
		publicURL: strings.TrimRight(opts.PublicURL, "/"),
		signer:    NewSigner(opts.Secret),
		index:     index,
		allowed:   opts.AllowedContentTypes,
		maxSize:   opts.MaxSize,
		grantTTL:  opts.GrantTTL,
		objectTTL: opts.ObjectTTL,
		logger:    logger.With().Str("component", "blob").Logger(),
		now:       time.Now,
	}, nil
}

// AllowedContentTypes 允许上传的类型
func (s *Service) AllowedContentTypes() []string {
	return append([]string(nil), s.allowed...)
}

// Grant 签发上传授权
// contentType 为调用方声明的类型，非空时立即校验；上传时还会再校验一次
func (s *Service) Grant(ctx context.Context, desiredName, contentType, clientPayload string) (models.SignedUploadTarget, error) {
	if contentType != "" && !MatchContentType(contentType, s.allowed) {
		return models.SignedUploadTarget{}, fmt.Errorf("%w: %s（允许: %s）",
			ErrUnauthorizedContentType, contentType, strings.Join(s.allowed, ", "))
	}

	pathname := s.newPathname(desiredName)
	expiresAt := s.now().Add(s.grantTTL)

	token, err := s.signer.Sign(Claims{
		Op:           OpUpload,
		Pathname:     pathname,
		ContentTypes: s.allowed,
		MaxSize:      s.maxSize,
		ExpiresAt:    expiresAt.Unix(),
		Payload:      clientPayload,
	})
	if err != nil {
		return models.SignedUploadTarget{}, err
	}

	s.logger.Debug().Str("pathname", pathname).Time("expires_at", expiresAt).Msg("签发上传授权")

	return models.SignedUploadTarget{
		Pathname:            pathname,
		UploadURL:           s.objectURL(pathname) + "?token=" + url.QueryEscape(token),
		Token:               token,
		AllowedContentTypes: s.AllowedContentTypes(),
		MaximumSizeBytes:    s.maxSize,
		ExpiresAt:           expiresAt,
		ClientPayload:       clientPayload,
	}, nil
}

// Put 按签名写入对象
func (s *Service) Put(ctx context.Context, pathname, token, contentType string, body io.Reader) (models.MediaReference, error) {
	if !validPathname.MatchString(pathname) {
		return models.MediaReference{}, ErrInvalidPathname
	}
	claims, err := s.signer.Verify(token, OpUpload, pathname, s.now())
	if err != nil {
		return models.MediaReference{}, err
	}

	contentType = NormalizeContentType(contentType)
	if !MatchContentType(contentType, claims.ContentTypes) {
		return models.MediaReference{}, fmt.Errorf("%w: %q", ErrUnauthorizedContentType, contentType)
	}

	if _, err := s.index.Get(ctx, pathname); err == nil {
		return models.MediaReference{}, ErrObjectExists
	}

	size, err := s.writeFile(pathname, body, claims.MaxSize)
	if err != nil {
		return models.MediaReference{}, err
	}

	now := s.now()
	meta := models.ObjectMeta{
		Pathname:    pathname,
		ContentType: contentType,
		SizeBytes:   size,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.objectTTL),
	}
	if err := s.index.Put(ctx, meta); err != nil {
		os.Remove(s.filePath(pathname))
		return models.MediaReference{}, err
	}

	deleteToken, err := s.signer.Sign(Claims{
		Op:        OpDelete,
		Pathname:  pathname,
		ExpiresAt: meta.ExpiresAt.Add(redisGrace).Unix(),
	})
	if err != nil {
		return models.MediaReference{}, err
	}

	s.logger.Info().Str("pathname", pathname).Int64("size", size).Str("content_type", contentType).
		Msg("✓ 文件已上传")

	objectURL := s.objectURL(pathname)
	return models.MediaReference{
		Pathname:    pathname,
		URL:         objectURL,
		DownloadURL: objectURL,
		DeleteURL:   objectURL + "?token=" + url.QueryEscape(deleteToken),
		ContentType: contentType,
		SizeBytes:   size,
		UploadedAt:  now,
	}, nil
}

// writeFile 先写临时文件再改名，超过上限时丢弃
func (s *Service) writeFile(pathname string, body io.Reader, maxSize int64) (int64, error) {
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("创建临时文件失败: %w", err)
	}
	defer os.Remove(tmp.Name())

	src := body
	if maxSize > 0 {
		src = io.LimitReader(body, maxSize+1)
	}
	size, err := io.Copy(tmp, src)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, fmt.Errorf("写入文件失败: %w", err)
	}
	if maxSize > 0 && size > maxSize {
		return 0, ErrTooLarge
	}

	if err := os.Rename(tmp.Name(), s.filePath(pathname)); err != nil {
		return 0, fmt.Errorf("保存文件失败: %w", err)
	}
	return size, nil
}

// Open 打开对象用于下载
func (s *Service) Open(ctx context.Context, pathname string) (*os.File, models.ObjectMeta, error) {
	if !validPathname.MatchString(pathname) {
		return nil, models.ObjectMeta{}, ErrInvalidPathname
	}
	meta, err := s.index.Get(ctx, pathname)
	if err != nil {
		return nil, models.ObjectMeta{}, err
	}
	f, err := os.Open(s.filePath(pathname))
	if errors.Is(err, os.ErrNotExist) {
		return nil, models.ObjectMeta{}, ErrNotFound
	}
	if err != nil {
		return nil, models.ObjectMeta{}, fmt.Errorf("打开文件失败: %w", err)
	}
	return f, meta, nil
}

// Delete 删除对象（幂等）
func (s *Service) Delete(ctx context.Context, pathname string) error {
	if !validPathname.MatchString(pathname) {
		return ErrInvalidPathname
	}
	if err := os.Remove(s.filePath(pathname)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("删除文件失败: %w", err)
	}
	return s.index.Delete(ctx, pathname)
}

// DeleteWithToken 凭删除令牌删除对象
func (s *Service) DeleteWithToken(ctx context.Context, pathname, token string) error {
	if _, err := s.signer.Verify(token, OpDelete, pathname, s.now()); err != nil {
		return err
	}
	return s.Delete(ctx, pathname)
}

// DeleteReference 删除媒体句柄指向的对象（服务端清理使用）
func (s *Service) DeleteReference(ctx context.Context, ref models.MediaReference) error {
	pathname := ref.Pathname
	if pathname == "" {
		var err error
		if pathname, err = s.PathnameFromURL(ref.FetchURL()); err != nil {
			return err
		}
	}
	return s.Delete(ctx, pathname)
}

// PathnameFromURL 从下载地址解析对象名
func (s *Service) PathnameFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrForeignURL, err)
	}
	base, err := url.Parse(s.publicURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrForeignURL, err)
	}
	if !strings.EqualFold(u.Host, base.Host) {
		return "", fmt.Errorf("%w: %s", ErrForeignURL, raw)
	}
	prefix := strings.TrimRight(base.Path, "/") + "/blob/"
	pathname, ok := strings.CutPrefix(u.Path, prefix)
	if !ok || !validPathname.MatchString(pathname) {
		return "", fmt.Errorf("%w: %s", ErrForeignURL, raw)
	}
	return pathname, nil
}

// Sweep 删除已过期的对象，返回删除数量
func (s *Service) Sweep(ctx context.Context, now time.Time) (int, error) {
	names, err := s.index.Expired(ctx, now)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, name := range names {
		if err := s.Delete(ctx, name); err != nil {
			s.logger.Warn().Err(err).Str("pathname", name).Msg("清理过期对象失败")
			continue
		}
		removed++
	}
	return removed, nil
}

func (s *Service) objectURL(pathname string) string {
	return s.publicURL + "/blob/" + pathname
}

func (s *Service) filePath(pathname string) string {
	return filepath.Join(s.dir, pathname)
}

// newPathname 生成唯一对象名: <名称>-<随机后缀><扩展名>
func (s *Service) newPathname(desired string) string {
	base := filepath.Base(strings.ReplaceAll(desired, "\\", "/"))
	ext := strings.ToLower(filepath.Ext(base))
	stem := sanitize(strings.TrimSuffix(base, filepath.Ext(base)))
	if stem == "" || stem == "." {
		stem = "upload"
	}
	if len(stem) > 64 {
		stem = stem[:64]
	}
	if ext = sanitize(strings.TrimPrefix(ext, ".")); ext != "" && len(ext) <= 10 {
		ext = "." + ext
	} else {
		ext = ""
	}

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return stem + "-" + suffix + ext
}

// sanitize 只保留字母数字和 . _ -
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.TrimLeft(b.String(), "._-")
}
