// Package storage 提供了与对象存储服务（如 MinIO）交互的功能，用于归档导出的对话记录。
package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"jean-claude-go/internal/config"
	"jean-claude-go/pkg/log"
)

const markdownContentType = "text/markdown; charset=utf-8"

// MinIOArchive 把导出文件上传到指定存储桶。
type MinIOArchive struct {
	client *minio.Client
	bucket string
}

// NewMinIOArchive 初始化 MinIO 客户端并确保指定的存储桶存在。
func NewMinIOArchive(ctx context.Context, cfg config.MinIOConfig) (*MinIOArchive, error) {
	// 1. 初始化 MinIO 客户端
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}
	log.Info("MinIO 客户端初始化成功")

	// 2. 检查存储桶 (Bucket) 是否存在，如果不存在则创建
	if err := ensureBucket(ctx, client, cfg.BucketName); err != nil {
		return nil, err
	}
	return &MinIOArchive{client: client, bucket: cfg.BucketName}, nil
}

func ensureBucket(ctx context.Context, client *minio.Client, bucketName string) error {
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("检查 MinIO 存储桶失败: %w", err)
	}
	if exists {
		log.Infof("存储桶 '%s' 已存在", bucketName)
		return nil
	}
	log.Infof("存储桶 '%s' 不存在，正在创建...", bucketName)
	if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
	}
	log.Infof("存储桶 '%s' 创建成功", bucketName)
	return nil
}

// Upload 以 Markdown 类型写入一个对象，同名对象会被覆盖。
func (a *MinIOArchive) Upload(ctx context.Context, name string, data []byte) error {
	_, err := a.client.PutObject(ctx, a.bucket, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: markdownContentType})
	if err != nil {
		return fmt.Errorf("上传 %s 到存储桶 %s 失败: %w", name, a.bucket, err)
	}
	log.Infof("已归档导出文件 %s/%s (%d bytes)", a.bucket, name, len(data))
	return nil
}

// PresignedURL generates a presigned URL for a given object.
func (a *MinIOArchive) PresignedURL(ctx context.Context, name string, expiry time.Duration) (string, error) {
	presignedURL, err := a.client.PresignedGetObject(ctx, a.bucket, name, expiry, nil)
	if err != nil {
		log.Errorf("Error generating presigned URL: %s", err)
		return "", err
	}
	return presignedURL.String(), nil
}
